package developer

import (
	"errors"
	"fmt"
)

// ResultCodeTooManyCertificates is returned by SubmitCSR when the team
// already holds the maximum number of development certificates.
const ResultCodeTooManyCertificates = 7460

// APIError is a failure reported by the developer portal. ResultCode and
// HTTPStatus are preserved so callers can tell conditions apart.
type APIError struct {
	URL        string
	ResultCode int
	HTTPStatus int
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown API error"
	}
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("developer API %s: %s (result code %d, HTTP %d)", e.URL, msg, e.ResultCode, e.HTTPStatus)
	}
	return fmt.Sprintf("developer API %s: %s (result code %d)", e.URL, msg, e.ResultCode)
}

// IsResultCode reports whether err carries an *APIError with the given
// result code.
func IsResultCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ResultCode == code
}
