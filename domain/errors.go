package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransport covers network failures and timeouts of outbound calls.
	ErrTransport = errors.New("transport error")
	// ErrProtocol covers malformed payloads, digest or signature mismatches and
	// missing required fields.
	ErrProtocol = errors.New("protocol error")
	// ErrNotFound is returned when an actor or object cannot be resolved.
	ErrNotFound = errors.New("not found")
	// ErrGone is a permanent not-found reported by the remote side (HTTP 410).
	ErrGone = fmt.Errorf("%w: gone", ErrNotFound)
	// ErrPolicy covers muted actors, self-addressed messages and self-delivery.
	ErrPolicy = errors.New("policy violation")
	// ErrCapacity is returned when a delivery exhausted its retry budget.
	ErrCapacity = errors.New("retry budget exhausted")
)

// StatusError carries a non-2xx HTTP status of a remote call.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.Code)
}

// Unwrap classifies the status into the error taxonomy.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusGone:
		return ErrGone
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrProtocol
	}
	return ErrTransport
}
