// Package translation converts recognised text into the target language. The
// Stage initialises its Backend once; if that fails every later call returns
// the not-available sentinel without touching the backend.
package translation
