// Package noop provides a publisher that discards everything.
package noop

import "context"

// Publisher drops all payloads. Used when no event topic is configured.
type Publisher struct{}

// New returns a no-op Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish discards the payload.
func (*Publisher) Publish(context.Context, string, any) (string, error) {
	return "noop", nil
}
