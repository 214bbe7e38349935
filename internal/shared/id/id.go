// Package id provides centralized ID generation for the backend.
//
// IDs are UUIDv4 strings carrying a type-specific prefix (hist_*, req_*,
// client_*) so logs stay readable and IDs are never mixed up across
// subsystems.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	historyPrefix = "hist"
	requestPrefix = "req"
	clientPrefix  = "client"
)

func generate(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// NewHistoryID generates an ID for an archived session transcript.
func NewHistoryID() string {
	return generate(historyPrefix)
}

// NewRequestID generates an ID for an API request.
func NewRequestID() string {
	return generate(requestPrefix)
}

// NewClientID generates an ID for a connected dashboard client.
func NewClientID() string {
	return generate(clientPrefix)
}
