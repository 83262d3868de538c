package httpclient

import (
	"errors"
	"fmt"
	"io"
)

// BodyTooLargeError reports a response body over its read cap.
type BodyTooLargeError struct {
	Limit int64
}

func (e BodyTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeds %d bytes", e.Limit)
}

// IsBodyTooLarge reports whether err wraps a BodyTooLargeError.
func IsBodyTooLarge(err error) bool {
	var tooLarge BodyTooLargeError
	return errors.As(err, &tooLarge)
}

// ReadBodyLimited reads r fully, failing once limit is exceeded rather
// than buffering an unbounded body. limit <= 0 reads without a cap.
func ReadBodyLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	// Read one byte past the cap so an exactly-limit body still passes.
	data, err := io.ReadAll(&io.LimitedReader{R: r, N: limit + 1})
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, BodyTooLargeError{Limit: limit}
	}
	return data, nil
}
