package llm

import "fmt"

// ModerationStage identifies which side of the exchange was flagged.
type ModerationStage string

// Moderation stages.
const (
	StageInput  ModerationStage = "input"
	StageOutput ModerationStage = "output"
)

// ModerationError reports a content-policy rejection by the gateway,
// either of the user's input or of the generated output.
type ModerationError struct {
	Stage ModerationStage
}

func (e *ModerationError) Error() string {
	return fmt.Sprintf("moderation rejected %s content", e.Stage)
}

// TransportError reports a network or model-service failure. Status is
// the HTTP status code when one was received, zero otherwise.
type TransportError struct {
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("model gateway: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("model gateway: %s", e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }
