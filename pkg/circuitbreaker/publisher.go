package circuitbreaker

import (
	"context"
	"fmt"
)

// Publisher sends one message to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// GuardedPublisher routes each publish through the breaker for its topic, so
// an unhealthy topic fails fast without blocking the others.
type GuardedPublisher struct {
	next     Publisher
	breakers *Manager
}

// NewGuardedPublisher wraps next
func NewGuardedPublisher(next Publisher, breakers *Manager) *GuardedPublisher {
	return &GuardedPublisher{next: next, breakers: breakers}
}

// Publish implements Publisher
func (p *GuardedPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	cb, err := p.breakers.GetOrCreate("publish:" + topic)
	if err != nil {
		return fmt.Errorf("breaker for %s: %w", topic, err)
	}
	_, err = cb.Execute(ctx, func() (interface{}, error) {
		return nil, p.next.Publish(ctx, topic, key, value)
	})
	return err
}
