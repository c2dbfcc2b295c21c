package ops

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClaimLost means the step is no longer reserved by the calling worker.
	ErrClaimLost = errors.New("step claim lost")
	// ErrCircuitOpen is returned by a worker loop that stopped after repeated failures.
	ErrCircuitOpen = errors.New("worker circuit open")
	// ErrTickInProgress is returned when a heartbeat tick is already running.
	ErrTickInProgress = errors.New("heartbeat tick already in progress")
)

// ValidationError reports a malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// QuotaExceeded is returned when an agent has used its daily proposal quota.
type QuotaExceeded struct {
	AgentID string
	Count   int
	Limit   int
}

func (e QuotaExceeded) Error() string {
	return fmt.Sprintf("proposal quota exceeded for agent %s: count=%d limit=%d", e.AgentID, e.Count, e.Limit)
}

// CapGateBlocked is returned when a step kind reached its daily cap.
type CapGateBlocked struct {
	StepKind string
	Count    int
	Limit    int
}

func (e CapGateBlocked) Error() string {
	return fmt.Sprintf("cap gate blocked step kind %s: count=%d limit=%d", e.StepKind, e.Count, e.Limit)
}

// HandlerFailure wraps an error produced while executing a step.
type HandlerFailure struct {
	StepID string
	Kind   string
	Err    error
}

func (e HandlerFailure) Error() string {
	return fmt.Sprintf("step %s (%s) failed: %v", e.StepID, e.Kind, e.Err)
}

func (e HandlerFailure) Unwrap() error { return e.Err }

// PersistenceError wraps a failed store call.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

// UnknownFormat is returned for a conversation format that is not registered.
type UnknownFormat struct {
	Format string
}

func (e UnknownFormat) Error() string {
	return fmt.Sprintf("unknown conversation format %q", e.Format)
}

// UnknownProvider is returned for an unsupported LLM provider type.
type UnknownProvider struct {
	Provider string
}

func (e UnknownProvider) Error() string {
	return fmt.Sprintf("unknown llm provider %q", e.Provider)
}

// IsPolicyDenial reports whether err is an expected quota or cap gate denial.
func IsPolicyDenial(err error) bool {
	var quota QuotaExceeded
	var capGate CapGateBlocked
	return errors.As(err, &quota) || errors.As(err, &capGate)
}

// Persist wraps err as a PersistenceError unless it is nil or already one.
func Persist(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return PersistenceError{Op: op, Err: err}
}
