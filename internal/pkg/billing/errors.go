package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SecurityError rejects a delivery for transport or authenticity reasons.
// It is terminal: the gateway must not be asked to retry.
type SecurityError struct {
	Code       string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *SecurityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("security: %s: %v", e.Code, e.Err)
	}
	return "security: " + e.Code
}

func (e *SecurityError) Unwrap() error { return e.Err }

// MissingIdentityError means the subscriber/plan pair could not be resolved
// yet. A later delivery is expected to complete it.
type MissingIdentityError struct {
	ExternalSubscriptionID string
	Missing                []string
}

func (e *MissingIdentityError) Error() string {
	return fmt.Sprintf("identity for subscription %s incomplete (missing %s)",
		e.ExternalSubscriptionID, strings.Join(e.Missing, ", "))
}

// GatewayLookupError wraps a failed remote call to the payment gateway.
type GatewayLookupError struct {
	Op  string
	ID  string
	Err error
}

func (e *GatewayLookupError) Error() string {
	return fmt.Sprintf("gateway %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *GatewayLookupError) Unwrap() error { return e.Err }

// StorageError wraps a record store failure. Callers surface it so the
// gateway re-delivers the event.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsMissingIdentity reports whether err is or wraps a MissingIdentityError.
func IsMissingIdentity(err error) bool {
	var mie *MissingIdentityError
	return errors.As(err, &mie)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

func gatewayErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &GatewayLookupError{Op: op, ID: id, Err: err}
}
