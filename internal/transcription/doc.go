// Package transcription turns gated audio chunks into text. The Stage wraps a
// Backend (a Whisper-compatible HTTP endpoint or a local whisper CLI) with a
// per-call timeout, panic containment, and empty-text detection.
package transcription
