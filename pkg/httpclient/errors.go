package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/lavka-ua/storefront/pkg/errors"
)

// DownstreamErrorBody mirrors httputil.ErrorBody. Details is kept raw so
// callers can decode it into their own shape.
type DownstreamErrorBody struct {
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Details json.RawMessage `json:"details"`
}

// ParseResponseError reads the body of a non-2xx HTTP response and translates
// it into an AppError. The message and details of a structured body are kept
// verbatim so they can be shown to the customer. Otherwise a generic error is
// returned with the status code and raw body.
//
// The response body is fully consumed and closed.
func ParseResponseError(resp *http.Response, serviceName string) error {
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s returned status %d (failed to read body: %w)", serviceName, resp.StatusCode, err)
	}

	return ParseErrorBody(resp.StatusCode, bodyBytes, serviceName)
}

// ParseErrorBody is ParseResponseError for an already-read body.
func ParseErrorBody(status int, body []byte, serviceName string) error {
	var downstream DownstreamErrorBody
	if json.Unmarshal(body, &downstream) == nil && downstream.Error != "" {
		appErr := mapDownstreamError(status, downstream.Code, downstream.Error, serviceName)
		if appErr == nil {
			return fmt.Errorf("%s server error (%d/%s): %s", serviceName, status, downstream.Code, downstream.Error)
		}
		if len(downstream.Details) > 0 && string(downstream.Details) != "null" {
			appErr.Details = downstream.Details
		}
		return appErr
	}

	return fmt.Errorf("%s returned status %d: %s", serviceName, status, string(body))
}

// mapDownstreamError translates a downstream status code into an AppError
// that keeps the downstream message. 5xx other than 503 map to nil.
func mapDownstreamError(status int, code, message, serviceName string) *apperrors.AppError {
	var appErr *apperrors.AppError

	switch {
	case status == http.StatusNotFound:
		appErr = apperrors.NotFound(serviceName, message)
	case status == http.StatusBadRequest:
		appErr = apperrors.InvalidInput(message)
	case status == http.StatusConflict:
		appErr = apperrors.Conflict(message)
	case status == http.StatusGone:
		appErr = apperrors.Gone(message)
	case status == http.StatusUnprocessableEntity:
		appErr = apperrors.PaymentFailed(message)
	case status == http.StatusTooManyRequests:
		appErr = apperrors.TooManyRequests(message)
	case status == http.StatusServiceUnavailable:
		appErr = apperrors.ServiceUnavailable(message)
	case status >= 500:
		return nil
	default:
		appErr = &apperrors.AppError{Code: code, Message: message, Status: status}
	}

	appErr.Message = message
	if code != "" {
		appErr.Code = code
	}
	return appErr
}

// IsClientError returns true if the HTTP status code is a 4xx client error.
func IsClientError(status int) bool {
	return status >= 400 && status < 500
}
