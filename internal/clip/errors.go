package clip

import (
	"errors"
	"fmt"
)

// DataError marks a malformed or unusable clip. It is isolated per sample:
// the loader either skips the sample or aborts the run depending on the
// configured policy, but it never corrupts other samples.
type DataError struct {
	err error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("clip data error: %v", e.err)
}

func (e *DataError) Unwrap() error {
	return e.err
}

func dataErrorf(format string, args ...any) error {
	return &DataError{err: fmt.Errorf(format, args...)}
}

// DataErrorf builds a per-sample DataError. Callers outside this package use
// it to mark sample read failures that should follow the skip/abort policy.
func DataErrorf(format string, args ...any) error {
	return dataErrorf(format, args...)
}

// IsDataError reports whether err is a per-sample data error rather than a
// fatal pipeline failure.
func IsDataError(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}
