package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
)

// Kind classifies a failed request so callers can branch without parsing text.
type Kind int

// Failure kinds.
const (
	KindUnknown Kind = iota
	KindTransport
	KindTimeout
	KindAuthentication
	KindValidation
	KindPayloadTooLarge
	KindServer
	KindStatus
)

const maxErrorMessageLength = 512

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindTransport:       "transport",
	KindTimeout:         "timeout",
	KindAuthentication:  "authentication",
	KindValidation:      "validation",
	KindPayloadTooLarge: "payload too large",
	KindServer:          "server",
	KindStatus:          "status",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	// ErrNoRefreshToken is returned when a 401 cannot be recovered because no
	// refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token available")
	// ErrRefreshFailed wraps every failure of the token refresh endpoint.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// RequestError describes a failed backend call.
type RequestError struct {
	Op         string
	Kind       Kind
	StatusCode int
	// Message is the human-readable text extracted from the response body
	// ("detail", "error" or "message"), if any.
	Message string
	// Fields holds field-keyed validation messages, e.g. {"email": ["taken"]}.
	Fields map[string][]string
	// Body is the raw response body for callers that decode richer payloads.
	Body []byte
	Err  error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}

	var parts []string

	parts = append(parts, e.Op)

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}

	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case len(e.Fields) > 0:
		parts = append(parts, FormatFields(e.Fields))
	case e.Err != nil:
		parts = append(parts, e.Err.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// KindOf returns the failure kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind
	}

	return KindUnknown
}

// StatusOf returns the HTTP status carried by err, or zero.
func StatusOf(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}

	return 0
}

// MessageOf returns the backend-provided message carried by err, or fallback.
func MessageOf(err error, fallback string) string {
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.Message != "" {
		return reqErr.Message
	}

	return fallback
}

// FormatFields renders field errors one per line, sorted by field name.
func FormatFields(fields map[string][]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}

	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%s: %s", name, strings.Join(fields[name], " ")))
	}

	return strings.Join(lines, "\n")
}

func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusRequestEntityTooLarge:
		return KindPayloadTooLarge
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	case status >= http.StatusInternalServerError:
		return KindServer
	default:
		return KindStatus
	}
}

func classifyTransport(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	return KindTransport
}

func newStatusError(op string, status int, body []byte) *RequestError {
	message, fields := parseErrorBody(body)
	if message == "" && len(fields) == 0 {
		message = http.StatusText(status)
	}

	return &RequestError{
		Op:         op,
		Kind:       classifyStatus(status),
		StatusCode: status,
		Message:    message,
		Fields:     fields,
		Body:       body,
		Err:        fmt.Errorf("unexpected http status %d", status),
	}
}

// parseErrorBody extracts a message and field errors from the loosely typed
// bodies the backend returns: {"detail": "..."}, {"error": "..."},
// {"field": ["..."]}, ["..."], or plain text.
func parseErrorBody(body []byte) (string, map[string][]string) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "", nil
	}

	var decoded any

	err := json.Unmarshal([]byte(trimmed), &decoded)
	if err != nil {
		return truncate(trimmed), nil
	}

	switch value := decoded.(type) {
	case string:
		return truncate(value), nil
	case []any:
		return strings.Join(stringsOf(value), "\n"), nil
	case map[string]any:
		return parseErrorObject(value)
	default:
		return "", nil
	}
}

func parseErrorObject(object map[string]any) (string, map[string][]string) {
	var message string

	for _, key := range []string{"detail", "error", "message"} {
		if text, ok := object[key].(string); ok && text != "" {
			message = text

			break
		}
	}

	fields := make(map[string][]string)

	for key, raw := range object {
		if key == "detail" || key == "error" || key == "message" {
			continue
		}

		switch value := raw.(type) {
		case string:
			fields[key] = []string{value}
		case []any:
			if texts := stringsOf(value); len(texts) > 0 {
				fields[key] = texts
			}
		}
	}

	if len(fields) == 0 {
		fields = nil
	}

	return message, fields
}

func stringsOf(values []any) []string {
	texts := make([]string, 0, len(values))

	for _, value := range values {
		if text, ok := value.(string); ok {
			texts = append(texts, text)
		}
	}

	return texts
}

func truncate(text string) string {
	if len(text) <= maxErrorMessageLength {
		return text
	}

	return text[:maxErrorMessageLength] + "..."
}
