package worker

import (
	"context"
	"errors"

	"npmmirror/pkg/syncer"
)

// RetryDecision defines whether a message should be redelivered.
type RetryDecision struct {
	Retry bool
	Nack  bool
}

// RetryPolicy decides what happens to a message whose handling failed.
type RetryPolicy interface {
	OnError(ctx context.Context, req *Request, err error) RetryDecision
}

// NoRetry nacks every failed message and leaves redelivery to the broker.
type NoRetry struct{}

func (NoRetry) OnError(ctx context.Context, req *Request, err error) RetryDecision {
	return RetryDecision{Retry: false, Nack: true}
}

// DropRejected acks requests the syncer refuses outright, such as a
// repository outside the allow-list, and nacks everything else.
type DropRejected struct{}

func (DropRejected) OnError(ctx context.Context, req *Request, err error) RetryDecision {
	if errors.Is(err, syncer.ErrRepositoryNotAllowed) {
		return RetryDecision{}
	}
	return RetryDecision{Nack: true}
}
