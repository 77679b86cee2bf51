package worker

import "context"

// Handler processes a sync request.
type Handler func(ctx context.Context, req *Request) error

// Middleware wraps a handler to add functionality.
type Middleware func(Handler) Handler
