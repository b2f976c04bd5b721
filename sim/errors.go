package sim

import "fmt"

// RunError aborts one ring. It names the ring, the epoch and the operation
// that failed; the cause is a ConfigError or a ProtocolViolation.
type RunError struct {
	RingID int
	Epoch  int
	Op     string
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("ring %d epoch %d %s: %v", e.RingID, e.Epoch, e.Op, e.Err)
}

// Unwrap returns the cause
func (e *RunError) Unwrap() error {
	return e.Err
}
