// Package audio handles microphone capture, frame queueing, and chunk assembly.
// It implements the bounded hand-off between the capture callback and the
// pipeline consumer, duration-based chunking with RMS loudness, and WAV
// encoding for the transcription backends.
package audio
