package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx response from the platform API.
type Error struct {
	// StatusCode is the HTTP status code of the response
	StatusCode int `json:"-"`

	// Code is the machine-readable error code, when the platform sent one
	Code string `json:"error"`

	// Message is a human-readable description of the error
	Message string `json:"error_description"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// HTTPStatus returns the response status.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// StatusCode returns the HTTP status carried by err, or 0 when err did
// not come from a response.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// parseError turns an error response into an *Error. The body may be an
// OAuth2-style {error, error_description} object, a {message, errorCode}
// object, or anything else.
func parseError(status int, body []byte) *Error {
	var oauth Error
	if err := json.Unmarshal(body, &oauth); err == nil && oauth.Code != "" {
		oauth.StatusCode = status
		return &oauth
	}

	var platform struct {
		Message   string `json:"message"`
		ErrorCode int    `json:"errorCode"`
	}
	if err := json.Unmarshal(body, &platform); err == nil && platform.Message != "" {
		e := &Error{StatusCode: status, Message: platform.Message}
		if platform.ErrorCode != 0 {
			e.Code = fmt.Sprintf("%d", platform.ErrorCode)
		}
		return e
	}

	return &Error{StatusCode: status, Message: http.StatusText(status)}
}
