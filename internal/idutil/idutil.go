// Package idutil generates client connection ids.
package idutil

import "github.com/google/uuid"

// NewClientID returns a time-ordered, globally unique connection id
// (UUIDv7), so logs and RPC state sort naturally by connection age.
func NewClientID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
