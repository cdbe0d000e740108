package protocol

import "fmt"

// Stable error codes surfaced to clients. Never change the string value of
// an existing code; clients match on it.
const (
	CodeInvalidJSON          = "INVALID_JSON"
	CodeValidationError      = "VALIDATION_ERROR"
	CodeUnknownType          = "UNKNOWN_TYPE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeSessionExists        = "SESSION_EXISTS"
	CodeNoSession            = "NO_SESSION"
	CodeEventNotFound        = "EVENT_NOT_FOUND"
	CodeEmptySetlist         = "EMPTY_SETLIST"
	CodeAudioFormatUnsupported = "AUDIO_FORMAT_UNSUPPORTED"
	CodeSTTError             = "STT_ERROR"
	CodeInternalError        = "INTERNAL_ERROR"
)

// Error is the structured error surfaced to the originating connection as an
// ERROR message. It is never broadcast.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error with no details.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithDetails builds an Error carrying a details payload, e.g. the
// observed/expected audio format mismatch.
func NewErrorWithDetails(code, message string, details any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// AudioFormatDetails is the details payload for CodeAudioFormatUnsupported.
type AudioFormatDetails struct {
	Observed AudioFormat `json:"observed"`
	Expected AudioFormat `json:"expected"`
}

// ToMessage wraps the error as a server ERROR Message.
func (e *Error) ToMessage() Message {
	msg, _ := Encode(TypeError, e)
	return msg
}
