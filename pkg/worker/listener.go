package worker

import "context"

// Listener provides hooks into the worker's lifecycle for logging, metrics, etc.
type Listener struct {
	OnStart         func(ctx context.Context)
	OnExit          func(ctx context.Context)
	OnMessageStart  func(ctx context.Context, req *Request)
	OnMessageFinish func(ctx context.Context, req *Request, err error)
	// OnError is called with a nil request when decoding failed.
	OnError func(ctx context.Context, req *Request, err error)
}
