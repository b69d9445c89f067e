// Package api defines public API contracts for shmring.
package api

import "context"

// Transport defines the interface for a message channel between two processes.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
}
