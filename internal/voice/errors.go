package voice

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/book-expert/voiceclone/internal/api"
)

var (
	// ErrNoFiles indicates an upload without files.
	ErrNoFiles = errors.New("no files selected")
	// ErrTooManyFiles indicates more files than one upload accepts.
	ErrTooManyFiles = errors.New("too many files")
	// ErrFileTooLarge indicates a file above the per-file size limit.
	ErrFileTooLarge = errors.New("file too large")
	// ErrUnsupportedFormat indicates a file extension the backend does not accept.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrTextEmpty indicates a synthesis request without text.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrTaskIDEmpty indicates a status request without a task id.
	ErrTaskIDEmpty = errors.New("task id cannot be empty")
	// ErrTrainingFailed is returned when a watched training task fails.
	ErrTrainingFailed = errors.New("training failed")
	// ErrUnexpectedStatus indicates a success status other than the one expected.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrAudioURLEmpty indicates a synthesis response without audio.
	ErrAudioURLEmpty = errors.New("response has no audio url")
)

// NotEnoughSamplesError is returned by Train before contacting the training
// endpoint when too few samples passed validation.
type NotEnoughSamplesError struct {
	Valid    int
	Required int
}

func (e *NotEnoughSamplesError) Error() string {
	return fmt.Sprintf(
		"please upload at least %d valid voice samples before training; current valid samples: %d",
		e.Required, e.Valid,
	)
}

// TrainingRejectedError is the backend's structured refusal to start training.
type TrainingRejectedError struct {
	Message string
	Details TrainingDetails
	Err     error
}

func (e *TrainingRejectedError) Error() string {
	return fmt.Sprintf(
		"training failed: %s (valid samples: %d/%d, total: %d, processing: %d, invalid: %d)",
		e.Message,
		e.Details.ValidSamples,
		e.Details.RequiredSamples,
		e.Details.TotalSamples,
		e.Details.ProcessingSamples,
		e.Details.InvalidSamples,
	)
}

func (e *TrainingRejectedError) Unwrap() error {
	return e.Err
}

// asTrainingRejection converts a rejection that carries details; other
// errors are returned unchanged.
func asTrainingRejection(err error) error {
	var reqErr *api.RequestError
	if !errors.As(err, &reqErr) || len(reqErr.Body) == 0 {
		return err
	}

	var body struct {
		Error   string           `json:"error"`
		Details *TrainingDetails `json:"details"`
	}

	if json.Unmarshal(reqErr.Body, &body) != nil || body.Details == nil {
		return err
	}

	return &TrainingRejectedError{Message: body.Error, Details: *body.Details, Err: err}
}
