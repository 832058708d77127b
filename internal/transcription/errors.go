package transcription

import "fmt"

// StageError is a failure inside one stage executor.
type StageError struct {
	Stage   string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage, message string, err error) error {
	return &StageError{Stage: stage, Message: message, Err: err}
}
