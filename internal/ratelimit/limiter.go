// Package ratelimit implements the per-connection sliding-window budgets
// for control messages and audio frames.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Config names the window length and message budget for one of the two
// independent sliding windows a connection carries.
type Config struct {
	Window time.Duration
	Limit  int
}

// DefaultControlConfig matches the documented default: 30 control messages
// per 10s window.
func DefaultControlConfig() Config {
	return Config{Window: 10 * time.Second, Limit: 30}
}

// DefaultAudioConfig matches the documented default: 120 audio frames per
// 10s window.
func DefaultAudioConfig() Config {
	return Config{Window: 10 * time.Second, Limit: 120}
}

// State is a single connection's RateLimitState: two independent sliding
// windows, one for control messages and one for audio frames. It is built
// fresh per connection and discarded on disconnect — there is no shared or
// persisted state across connections.
type State struct {
	control *rate.Limiter
	audio   *rate.Limiter
}

// NewState builds a State from the given control/audio window configs,
// modelling each sliding window as a token bucket whose burst equals the
// window's message budget and whose refill rate spreads that budget evenly
// across the window. A freshly built bucket starts full, so the first
// `Limit` calls within the window succeed and the (Limit+1)-th is rejected
// until refill — exactly the documented boundary behaviour.
func NewState(control, audio Config) *State {
	return &State{
		control: newWindowLimiter(control),
		audio:   newWindowLimiter(audio),
	}
}

func newWindowLimiter(cfg Config) *rate.Limiter {
	limit := cfg.Limit
	if limit < 1 {
		limit = 1
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Second
	}
	every := time.Duration(int64(window) / int64(limit))
	if every <= 0 {
		every = time.Nanosecond
	}
	return rate.NewLimiter(rate.Every(every), limit)
}

// AllowControl reports whether a control message may proceed, consuming one
// unit of the control budget if so.
func (s *State) AllowControl() bool {
	return s.control.Allow()
}

// AllowAudio reports whether an audio frame may proceed, consuming one unit
// of the audio budget if so.
func (s *State) AllowAudio() bool {
	return s.audio.Allow()
}
