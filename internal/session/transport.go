package session

import (
	"context"
	"errors"
	"fmt"

	"edge-sync/internal/codec"
)

var (
	// ErrTransportTimeout: the peer did not answer in time. Retried with backoff.
	ErrTransportTimeout = errors.New("transport timeout")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrBatchMismatch: a response acknowledged a different batch.
	ErrBatchMismatch = errors.New("response does not match batch")
)

// Transport carries one batch to the peer at addr and returns its response.
type Transport interface {
	Deliver(ctx context.Context, addr string, batch *codec.Batch) (*codec.Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, addr string, batch *codec.Batch) (*codec.Response, error)

func (f TransportFunc) Deliver(ctx context.Context, addr string, batch *codec.Batch) (*codec.Response, error) {
	return f(ctx, addr, batch)
}

// RejectedError is a response with Success=false.
type RejectedError struct {
	BatchID int64
	Code    codec.ErrorCode
	Msg     string
}

func (e *RejectedError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("batch %d rejected: %s", e.BatchID, e.Code)
	}
	return fmt.Sprintf("batch %d rejected: %s: %s", e.BatchID, e.Code, e.Msg)
}
