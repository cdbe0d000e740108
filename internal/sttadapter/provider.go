// Package sttadapter abstracts the speech-to-text backend behind a small
// streaming interface, and provides a lazily-started, reference-counted
// handle that multiple sessions following the same audio source can share.
package sttadapter

import "context"

// Transcript is a single recognition result, partial or final.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// StreamConfig describes the audio format a new STT session should expect.
type StreamConfig struct {
	SampleRate int
	Channels   int
	Language   string
}

// SessionHandle is an open streaming STT session. Implementations must be
// safe for concurrent use; SendAudio may be called from the transport's
// read loop while Transcripts is drained by the follow pipeline.
type SessionHandle interface {
	// SendAudio delivers one chunk of raw audio to the backend. Returns an
	// error if the underlying stream has failed; the caller should treat
	// this as terminal for the session and not retry on the same handle.
	SendAudio(chunk []byte) error

	// Transcripts emits both partial and final recognition results. It is
	// closed when the session ends, whether cleanly or due to an error;
	// callers should check Err after observing closure.
	Transcripts() <-chan Transcript

	// Err returns the reason the session ended, or nil if it is still open
	// or ended via a clean Close.
	Err() error

	// Close terminates the session and releases its resources. Safe to
	// call more than once.
	Close() error
}

// Provider opens new STT streaming sessions against a concrete backend.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
