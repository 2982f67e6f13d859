package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"xdao.co/w3car/upload"
)

// ErrorCode is a stable, machine-readable failure code carried in JSON
// error bodies.
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrTooLarge            ErrorCode = "TOO_LARGE"
	ErrNotConfigured       ErrorCode = "NOT_CONFIGURED"
	ErrAuthorizationDenied ErrorCode = "AUTHORIZATION_DENIED"
	ErrTransferFailed      ErrorCode = "TRANSFER_FAILED"
	ErrFinalizationFailed  ErrorCode = "FINALIZATION_FAILED"
	ErrEncodingFailed      ErrorCode = "ENCODING_FAILED"
	ErrCanceled            ErrorCode = "CANCELED"
	ErrInternal            ErrorCode = "INTERNAL"
)

// CodedError is a stable error with a machine-readable code and a human message.
type CodedError struct {
	Code    ErrorCode
	Status  int
	Message string
}

func (e *CodedError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func badRequest(format string, args ...any) *CodedError {
	return &CodedError{Code: ErrInvalidRequest, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	OK    bool      `json:"ok"`
	Error string    `json:"error"`
	Code  ErrorCode `json:"code"`
	Phase string    `json:"phase,omitempty"`
	// Bridge is the bridge's reply, passed through untouched.
	Bridge json.RawMessage `json:"bridge,omitempty"`
	// Destination is the signed-URL destination's reply to a failed transfer.
	Destination json.RawMessage `json:"destination,omitempty"`
}

var kindStatus = map[upload.Kind]struct {
	status int
	code   ErrorCode
}{
	upload.KindConfiguration:       {http.StatusServiceUnavailable, ErrNotConfigured},
	upload.KindAuthorizationDenied: {http.StatusForbidden, ErrAuthorizationDenied},
	upload.KindTransfer:            {http.StatusBadGateway, ErrTransferFailed},
	upload.KindFinalization:        {http.StatusFailedDependency, ErrFinalizationFailed},
	upload.KindEncoding:            {http.StatusInternalServerError, ErrEncodingFailed},
	upload.KindCanceled:            {http.StatusRequestTimeout, ErrCanceled},
}

// errorBody maps err to an HTTP status and response body.
func errorBody(err error) (int, ErrorBody) {
	body := ErrorBody{Error: err.Error()}

	var ce *CodedError
	if errors.As(err, &ce) {
		body.Code = ce.Code
		body.Error = ce.Message
		return ce.Status, body
	}

	var ue *upload.Error
	if errors.As(err, &ue) {
		body.Phase = string(ue.Phase)
		if ue.Remote != nil {
			body.Bridge = ue.Remote.JSON()
		}
		if ue.Destination != nil {
			body.Destination = ue.Destination.JSON()
		}
		if m, ok := kindStatus[ue.Kind]; ok {
			body.Code = m.code
			return m.status, body
		}
	}

	body.Code = ErrInternal
	return http.StatusInternalServerError, body
}
