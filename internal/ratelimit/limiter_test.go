package ratelimit

import "testing"

func TestAllowControlExactlyLimitSucceeds(t *testing.T) {
	s := NewState(Config{Window: 0, Limit: 5}, DefaultAudioConfig())
	for i := 0; i < 5; i++ {
		if !s.AllowControl() {
			t.Fatalf("message %d should be allowed", i)
		}
	}
	if s.AllowControl() {
		t.Fatalf("6th message should be rate limited")
	}
}

func TestAllowAudioIndependentFromControl(t *testing.T) {
	s := NewState(Config{Window: 0, Limit: 1}, Config{Window: 0, Limit: 1})
	if !s.AllowControl() {
		t.Fatalf("first control message should be allowed")
	}
	if s.AllowControl() {
		t.Fatalf("second control message should be rate limited")
	}
	if !s.AllowAudio() {
		t.Fatalf("audio budget is independent of control, should still be allowed")
	}
}

func TestNewStateClampsInvalidLimit(t *testing.T) {
	s := NewState(Config{Window: 0, Limit: 0}, Config{Window: 0, Limit: -1})
	if !s.AllowControl() {
		t.Fatalf("clamped limit should still allow at least one message")
	}
	if !s.AllowAudio() {
		t.Fatalf("clamped limit should still allow at least one message")
	}
}
