package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/utafrali/selfscan-checkout/pkg/errors"
)

// errorBody is the error envelope returned by the checkout backend. Older
// endpoints use "code" where newer ones use "type"; both are accepted.
type errorBody struct {
	Error *struct {
		Code    string          `json:"code"`
		Type    string          `json:"type"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details,omitempty"`
	} `json:"error"`
}

// ResponseError describes a non-2xx response from a downstream service.
// Unwrap yields the AppError the status maps to, so callers can test it
// with errors.Is against the apperrors sentinels.
type ResponseError struct {
	Service string
	Status  int
	Type    string
	Message string
	Details json.RawMessage
	Body    []byte

	mapped error
}

func (e *ResponseError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s returned status %d (%s): %s", e.Service, e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Status, e.Message)
}

func (e *ResponseError) Unwrap() error {
	return e.mapped
}

// ParseResponseError reads the body of a non-2xx HTTP response and turns it
// into a *ResponseError. The body is fully consumed and closed.
func ParseResponseError(resp *http.Response, serviceName string) error {
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s returned status %d (failed to read body: %w)", serviceName, resp.StatusCode, err)
	}

	rerr := &ResponseError{
		Service: serviceName,
		Status:  resp.StatusCode,
		Message: string(bodyBytes),
		Body:    bodyBytes,
	}

	var parsed errorBody
	if json.Unmarshal(bodyBytes, &parsed) == nil && parsed.Error != nil {
		rerr.Type = parsed.Error.Type
		if rerr.Type == "" {
			rerr.Type = parsed.Error.Code
		}
		rerr.Message = parsed.Error.Message
		rerr.Details = parsed.Error.Details
	}

	rerr.mapped = mapDownstreamError(rerr.Status, rerr.Type, fmt.Sprintf("%s: %s", serviceName, rerr.Message))
	return rerr
}

// AsResponseError unwraps err into a *ResponseError if it is one.
func AsResponseError(err error) (*ResponseError, bool) {
	var rerr *ResponseError
	if errors.As(err, &rerr) {
		return rerr, true
	}
	return nil, false
}

func mapDownstreamError(status int, code, message string) error {
	switch {
	case status == http.StatusNotFound:
		return &apperrors.AppError{Code: "NOT_FOUND", Message: message, Status: status, Err: apperrors.ErrNotFound}
	case status == http.StatusBadRequest:
		return apperrors.InvalidInput(message)
	case status == http.StatusConflict:
		return apperrors.Conflict(message)
	case status == http.StatusForbidden:
		return apperrors.Forbidden(message)
	case status == http.StatusGone:
		return apperrors.Gone(message)
	case status == http.StatusServiceUnavailable:
		return apperrors.ServiceUnavailable(message)
	case status >= 500:
		return apperrors.Internal(errors.New(message))
	default:
		return &apperrors.AppError{Code: code, Message: message, Status: status}
	}
}
