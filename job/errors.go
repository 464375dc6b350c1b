package job

import (
	"fmt"

	"github.com/plan4better/goat-core-sub000/errors"
)

// ErrJobKilled signals that a kill request was observed at a step
// boundary. Steps usually communicate a kill through a Result with
// StatusKilled rather than an error; this sentinel exists for tool code
// that prefers to unwind with an error instead.
var ErrJobKilled = errors.New("job killed")

// TimeoutError reports that a step exceeded its wall-clock deadline.
// It is the one error deliberately re-raised all the way to the runner,
// which centralizes the terminal timeout handling.
type TimeoutError struct {
	Step    string
	Timeout int // seconds
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %d seconds", e.Step, e.Timeout)
}

// Is links TimeoutError to the shared timeout sentinel so callers can
// check errors.Is(err, errors.ErrTimeout) without knowing the type.
func (e *TimeoutError) Is(target error) bool {
	return target == errors.ErrTimeout
}
