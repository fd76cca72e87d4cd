package capability

import "fmt"

// Error is a structured platform error carrying the backend's machine-readable
// code and name alongside the human-readable message. The engine's error
// classifier inspects all three fields; plain errors are classified by message
// text alone.
type Error struct {
	// Code is the backend's short error code (e.g. "not-allowed", "no-speech",
	// "audio-capture"). May be empty.
	Code string

	// Name is the error class name reported by the platform (e.g.
	// "NotAllowedError"). May be empty.
	Name string

	// Message is the human-readable description.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Code != "":
		return e.Code
	case e.Name != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	case e.Message != "":
		return e.Message
	default:
		return "unknown platform error"
	}
}
