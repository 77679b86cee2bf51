package worker

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// MiddlewareFromWatermill adapts a watermill handler middleware, such as
// middleware.Recoverer or middleware.Timeout, to a worker Middleware.
func MiddlewareFromWatermill(m message.HandlerMiddleware) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) error {
			msg := message.NewMessage(watermill.NewUUID(), message.Payload(req.Payload))
			for key, value := range req.Metadata {
				msg.Metadata.Set(key, value)
			}
			msg.SetContext(ctx)
			wrapped := m(func(msg *message.Message) ([]*message.Message, error) {
				return nil, next(msg.Context(), req)
			})
			_, err := wrapped(msg)
			return err
		}
	}
}
