// Package session owns the transcription session state machine and the
// pipeline task that moves audio from the frame queue through the gate and the
// inference stages to connected clients.
//
// The Controller allows at most one pipeline task at a time. Start and
// RequestStop only change state and return; the task opens the device, and a
// watcher finalises the session once the task and every chunk worker it
// spawned have exited. Start is refused until a stopping session is final.
package session
