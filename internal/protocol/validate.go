package protocol

import "regexp"

// idFormat accepts UUID-shaped ids as well as short URL-safe slugs, since
// the external event store is not required to mint RFC-4122 UUIDs.
var idFormat = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidEventID reports whether s passes the opaque id format check.
func ValidEventID(s string) bool {
	return s != "" && idFormat.MatchString(s)
}

var manualOverrideActions = map[string]bool{
	ActionNextSlide: true,
	ActionPrevSlide: true,
	ActionGoToSlide: true,
	ActionGoToItem:  true,
}

// Validate decodes and checks a client message's payload, returning a
// protocol.Error on the first violation. It never mutates session state.
func (m Message) Validate() *Error {
	switch m.Type {
	case TypeStartSession:
		var p StartSessionPayload
		if err := m.Decode(&p); err != nil {
			return NewError(CodeValidationError, "malformed START_SESSION payload")
		}
		if !ValidEventID(p.EventID) {
			return NewError(CodeValidationError, "eventId missing or malformed")
		}
	case TypeUpdateEventSettings:
		var p UpdateEventSettingsPayload
		if err := m.Decode(&p); err != nil {
			return NewError(CodeValidationError, "malformed UPDATE_EVENT_SETTINGS payload")
		}
	case TypeAudioData:
		var p AudioDataPayload
		if err := m.Decode(&p); err != nil {
			return NewError(CodeValidationError, "malformed AUDIO_DATA payload")
		}
		if p.Data == "" {
			return NewError(CodeValidationError, "data field required")
		}
	case TypeManualOverride:
		var p ManualOverridePayload
		if err := m.Decode(&p); err != nil {
			return NewError(CodeValidationError, "malformed MANUAL_OVERRIDE payload")
		}
		if !manualOverrideActions[p.Action] {
			return NewError(CodeValidationError, "unrecognised manual override action")
		}
		if p.Action == ActionGoToSlide && p.SlideIndex == nil {
			return NewError(CodeValidationError, "GO_TO_SLIDE requires slideIndex")
		}
		if p.Action == ActionGoToItem && p.ItemIndex == nil && p.ItemID == nil {
			return NewError(CodeValidationError, "GO_TO_ITEM requires itemIndex or itemId")
		}
	case TypeStopSession, TypePing:
		// no payload contract
	default:
		return NewError(CodeUnknownType, "unrecognised message type: "+m.Type)
	}
	return nil
}
