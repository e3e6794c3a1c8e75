package postgres

import (
	"errors"
	"testing"
)

var errBreakerOpen = errors.New("circuit breaker is open")

func TestDefaultOutboxConfig(t *testing.T) {
	cfg := DefaultOutboxConfig()
	if cfg.DeadLetterTopic != "pharmacy.dead-letter" || cfg.MaxRetries != 5 || cfg.BatchSize != 100 {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Unavailable != nil {
		t.Error("Unavailable should be unset by default")
	}
}

func TestOutboxUnavailable(t *testing.T) {
	o := NewOutbox(nil, nil, DefaultOutboxConfig(), nil)
	if o.unavailable(errBreakerOpen) {
		t.Error("nil Unavailable must treat every error as a retryable publish failure")
	}

	cfg := DefaultOutboxConfig()
	cfg.Unavailable = func(err error) bool { return errors.Is(err, errBreakerOpen) }
	o = NewOutbox(nil, nil, cfg, nil)
	if !o.unavailable(errBreakerOpen) {
		t.Error("breaker error should defer the entry")
	}
	if o.unavailable(errors.New("message too large")) {
		t.Error("other publish errors should count against retries")
	}
}
