// Package gen provides utility functions for generating identifiers.
package gen

import "github.com/google/uuid"

// ID returns a new time-ordered UUIDv7 string.
func ID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}
