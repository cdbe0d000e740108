// Package protocol defines the wire-level message envelope exchanged between
// operator/projector clients and the session server, plus the structured
// error taxonomy those messages surface.
package protocol

import "encoding/json"

// Client -> server message types.
const (
	TypeStartSession        = "START_SESSION"
	TypeUpdateEventSettings = "UPDATE_EVENT_SETTINGS"
	TypeAudioData           = "AUDIO_DATA"
	TypeManualOverride      = "MANUAL_OVERRIDE"
	TypeStopSession         = "STOP_SESSION"
	TypePing                = "PING"
)

// Server -> client message types.
const (
	TypeSessionStarted      = "SESSION_STARTED"
	TypeEventSettingsUpdated = "EVENT_SETTINGS_UPDATED"
	TypeTranscriptUpdate    = "TRANSCRIPT_UPDATE"
	TypeDisplayUpdate       = "DISPLAY_UPDATE"
	TypeSongChanged         = "SONG_CHANGED"
	TypeSongSuggestion      = "SONG_SUGGESTION"
	TypeSessionEnded        = "SESSION_ENDED"
	TypeError               = "ERROR"
	TypePong                = "PONG"
)

// Manual override actions.
const (
	ActionNextSlide = "NEXT_SLIDE"
	ActionPrevSlide = "PREV_SLIDE"
	ActionGoToSlide = "GO_TO_SLIDE"
	ActionGoToItem  = "GO_TO_ITEM"
)

// SessionEnded reasons.
const (
	ReasonUserStopped = "user_stopped"
	ReasonError       = "error"
	ReasonTimeout     = "timeout"
)

// Message is the envelope for every frame in both directions. Payload is
// decoded lazily into the concrete type matching Type.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Timing  *Timing         `json:"timing,omitempty"`
}

// Timing carries end-to-end latency telemetry. Never used for control flow.
type Timing struct {
	ServerReceivedAt  int64 `json:"serverReceivedAt,omitempty"`
	ServerSentAt      int64 `json:"serverSentAt,omitempty"`
	ProcessingTimeMs  int64 `json:"processingTimeMs,omitempty"`
}

// --- client payloads ---

type StartSessionPayload struct {
	EventID string `json:"eventId"`
}

type UpdateEventSettingsPayload struct {
	ProjectorFont  *string `json:"projectorFont,omitempty"`
	BibleMode      *bool   `json:"bibleMode,omitempty"`
	BibleVersionID *string `json:"bibleVersionId,omitempty"`
	BibleFollow    *bool   `json:"bibleFollow,omitempty"`
}

type AudioFormat struct {
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

type AudioDataPayload struct {
	Data   string       `json:"data"`
	Format *AudioFormat `json:"format,omitempty"`
}

type ManualOverridePayload struct {
	Action     string `json:"action"`
	SlideIndex *int   `json:"slideIndex,omitempty"`
	SongID     *string `json:"songId,omitempty"`
	ItemIndex  *int   `json:"itemIndex,omitempty"`
	ItemID     *string `json:"itemId,omitempty"`
}

// --- server payloads ---

type SlidePayload struct {
	Lines     []string `json:"lines"`
	SlideText string   `json:"slideText"`
}

type SetlistSongPayload struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Artist          string         `json:"artist,omitempty"`
	Lines           []string       `json:"lines"`
	Slides          []SlidePayload `json:"slides,omitempty"`
	LineToSlideIdx  []int          `json:"lineToSlideIndex,omitempty"`
}

type SessionStartedPayload struct {
	SessionID        string               `json:"sessionId"`
	EventID          string               `json:"eventId"`
	EventName        string               `json:"eventName"`
	TotalSongs       int                  `json:"totalSongs"`
	CurrentSongIndex int                  `json:"currentSongIndex"`
	CurrentSlideIndex int                 `json:"currentSlideIndex"`
	Setlist          []SetlistSongPayload `json:"setlist"`
	InitialDisplay   *DisplayUpdatePayload `json:"initialDisplay,omitempty"`
}

type EventSettingsUpdatedPayload struct {
	ProjectorFont  string `json:"projectorFont,omitempty"`
	BibleMode      bool   `json:"bibleMode,omitempty"`
	BibleVersionID string `json:"bibleVersionId,omitempty"`
	BibleFollow    bool   `json:"bibleFollow,omitempty"`
}

type TranscriptUpdatePayload struct {
	Text       string   `json:"text"`
	IsFinal    bool     `json:"isFinal"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type DisplayUpdatePayload struct {
	LineText        string   `json:"lineText"`
	SlideText       string   `json:"slideText,omitempty"`
	SlideLines      []string `json:"slideLines,omitempty"`
	SlideIndex      int      `json:"slideIndex"`
	LineIndex       *int     `json:"lineIndex,omitempty"`
	SongID          string   `json:"songId"`
	SongTitle       string   `json:"songTitle"`
	MatchConfidence *float64 `json:"matchConfidence,omitempty"`
	IsAutoAdvance   bool     `json:"isAutoAdvance"`
}

type SongChangedPayload struct {
	SongID     string `json:"songId"`
	SongTitle  string `json:"songTitle"`
	SongIndex  int    `json:"songIndex"`
	TotalSlides int   `json:"totalSlides"`
}

type SongSuggestionPayload struct {
	SuggestedSongID    string  `json:"suggestedSongId"`
	SuggestedSongTitle string  `json:"suggestedSongTitle"`
	SuggestedSongIndex int     `json:"suggestedSongIndex"`
	Confidence         float64 `json:"confidence"`
	MatchedLine        string  `json:"matchedLine"`
}

type SessionEndedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// Encode marshals a typed payload into a Message of the given type.
func Encode(msgType string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Payload: raw}, nil
}

// Decode unmarshals a message's payload into dst.
func (m Message) Decode(dst any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, dst)
}
