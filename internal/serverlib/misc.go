package serverlib

import (
	"runtime/debug"

	"github.com/CamberLoid/ChimataPHE/internal/pipeline"
	"github.com/pkg/errors"
)

// Recover runs f and turns a panic into an error matching pipeline.ErrPanic,
// carrying the panic value and stack.
func Recover(f func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Wrapf(pipeline.ErrPanic, "%v\n%s", p, debug.Stack())
		}
	}()
	f()
	return nil
}
