// Package noop provides a publisher that discards everything, for
// deployments without a Pub/Sub project configured.
package noop

import "context"

// Publisher discards all messages.
type Publisher struct{}

// NewPublisher constructs a Publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish does nothing.
func (p *Publisher) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
