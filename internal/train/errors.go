package train

import (
	"errors"
	"fmt"
)

// NumericalError reports a non-finite loss or gradient. It is fatal to the
// run: state is not advanced and the last good checkpoint stays valid.
type NumericalError struct {
	err error
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("numerical error: %v", e.err)
}

func (e *NumericalError) Unwrap() error {
	return e.err
}

func numericalErrorf(format string, args ...any) error {
	return &NumericalError{err: fmt.Errorf(format, args...)}
}

func IsNumericalError(err error) bool {
	var ne *NumericalError
	return errors.As(err, &ne)
}
