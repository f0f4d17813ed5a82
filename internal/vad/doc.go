// Package vad provides the loudness gate that decides whether a chunk is
// worth sending to speech recognition. A chunk passes only when its RMS energy
// is strictly above the configured volume threshold.
package vad
