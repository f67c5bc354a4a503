package auth

import (
	"errors"
	"strings"

	"github.com/book-expert/voiceclone/internal/api"
)

// ErrorKind is the payload of a RegistrationError: either ErrorKindMessage
// or ErrorKindFields.
type ErrorKind interface {
	registrationErrorKind()
}

// ErrorKindMessage is a single backend message.
type ErrorKindMessage struct {
	Text string
}

// ErrorKindFields maps form fields to their validation messages.
type ErrorKindFields struct {
	Fields map[string][]string
}

func (ErrorKindMessage) registrationErrorKind() {}
func (ErrorKindFields) registrationErrorKind()  {}

// RegistrationError is returned when the backend rejects a registration.
type RegistrationError struct {
	Kind ErrorKind
	Err  error
}

func (e *RegistrationError) Error() string {
	switch kind := e.Kind.(type) {
	case ErrorKindMessage:
		return kind.Text
	case ErrorKindFields:
		return api.FormatFields(kind.Fields)
	default:
		return msgRegistrationFailed
	}
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// Messages returns every message of the error, one per entry, in the order
// they are displayed.
func (e *RegistrationError) Messages() []string {
	return strings.Split(e.Error(), "\n")
}

func newRegistrationError(err error) *RegistrationError {
	var reqErr *api.RequestError
	if errors.As(err, &reqErr) && len(reqErr.Fields) > 0 {
		fields := make(map[string][]string, len(reqErr.Fields)+1)
		for name, messages := range reqErr.Fields {
			fields[name] = messages
		}

		if reqErr.Message != "" {
			fields["non_field_errors"] = append(fields["non_field_errors"], reqErr.Message)
		}

		return &RegistrationError{Kind: ErrorKindFields{Fields: fields}, Err: err}
	}

	return &RegistrationError{
		Kind: ErrorKindMessage{Text: api.MessageOf(err, msgRegistrationFailed)},
		Err:  err,
	}
}
