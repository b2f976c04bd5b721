package types

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig matches every ConfigError with errors.Is
	ErrConfig = errors.New("configuration error")

	// ErrProtocolViolation matches every ProtocolViolation with errors.Is
	ErrProtocolViolation = errors.New("protocol violation")
)

// ConfigError rejects a run before the simulation starts
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Is reports ErrConfig as the error class
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// ProtocolViolation signals a modeling bug: a transition that a correct ring
// never performs
type ProtocolViolation struct {
	Op     string
	Detail string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation in %s: %s", e.Op, e.Detail)
}

// Is reports ErrProtocolViolation as the error class
func (e *ProtocolViolation) Is(target error) bool {
	return target == ErrProtocolViolation
}

// Violation is a shorthand for building a ProtocolViolation
func Violation(op, format string, args ...interface{}) error {
	return &ProtocolViolation{Op: op, Detail: fmt.Sprintf(format, args...)}
}
