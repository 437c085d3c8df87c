package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the config for:
//   - Known log and dedup drivers, with the addresses each one needs
//   - An ISO 4217 default currency and a positive threshold
//   - Positive retry, concurrency and batch limits
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch cfg.Log.Driver {
	case "kafka":
		if len(cfg.Log.Brokers) == 0 {
			add("log.brokers must not be empty for the kafka driver")
		}
	case "memory":
	default:
		add("log.driver %q is not one of kafka, memory", cfg.Log.Driver)
	}
	if cfg.Log.Topic == "" {
		add("log.topic is required")
	}
	if cfg.Log.Partitions < 1 {
		add("log.partitions must be at least 1, got %d", cfg.Log.Partitions)
	}
	if cfg.Log.ReplicationFactor < 1 {
		add("log.replication_factor must be at least 1, got %d", cfg.Log.ReplicationFactor)
	}
	if cfg.Log.ClientTimeoutMs <= 0 {
		add("log.client_timeout_ms must be positive")
	}

	if err := validate.Var(cfg.Ingest.DefaultCurrency, "required,iso4217"); err != nil {
		add("ingest.default_currency %q is not an ISO 4217 currency code", cfg.Ingest.DefaultCurrency)
	}
	if th, err := cfg.Ingest.Threshold(); err != nil {
		add("ingest.high_value_threshold %q: %v", cfg.Ingest.HighValueThreshold, err)
	} else if !th.IsPositive() {
		add("ingest.high_value_threshold must be positive, got %s", th)
	}

	p := cfg.Publisher
	for _, f := range []struct {
		name string
		v    int
	}{
		{"publisher.max_attempts", p.MaxAttempts},
		{"publisher.retry_backoff_ms", p.RetryBackoffMs},
		{"publisher.max_backoff_ms", p.MaxBackoffMs},
		{"publisher.attempt_timeout_ms", p.AttemptTimeoutMs},
		{"publisher.workers", p.Workers},
		{"publisher.queue_depth", p.QueueDepth},
		{"publisher.breaker_open_ms", p.BreakerOpenMs},
		{"batch.max_size", cfg.Batch.MaxSize},
		{"batch.timeout_ms", cfg.Batch.TimeoutMs},
	} {
		if f.v <= 0 {
			add("%s must be positive, got %d", f.name, f.v)
		}
	}
	if p.MaxBackoffMs > 0 && p.MaxBackoffMs < p.RetryBackoffMs {
		add("publisher.max_backoff_ms (%d) is below retry_backoff_ms (%d)", p.MaxBackoffMs, p.RetryBackoffMs)
	}

	switch cfg.Dedup.Driver {
	case "memory":
	case "redis":
		if cfg.Dedup.RedisAddr == "" {
			add("dedup.redis_addr is required for the redis driver")
		}
	default:
		add("dedup.driver %q is not one of memory, redis", cfg.Dedup.Driver)
	}
	if cfg.Dedup.TTLMs <= 0 {
		add("dedup.ttl_ms must be positive")
	}
	if cfg.Dedup.PendingTTLMs <= 0 {
		add("dedup.pending_ttl_ms must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
