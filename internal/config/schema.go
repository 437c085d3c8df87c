package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the top-level YAML structure. It is read once at startup.
type Config struct {
	Version   string        `yaml:"version"`
	Log       LogConf       `yaml:"log"`
	Ingest    IngestConf    `yaml:"ingest"`
	Publisher PublisherConf `yaml:"publisher"`
	Batch     BatchConf     `yaml:"batch"`
	Dedup     DedupConf     `yaml:"dedup"`
}

// LogConf selects and addresses the outbound event log.
type LogConf struct {
	Driver            string   `yaml:"driver"` // kafka | memory
	Brokers           []string `yaml:"brokers"`
	Topic             string   `yaml:"topic"`
	Partitions        int      `yaml:"partitions"`
	ReplicationFactor int      `yaml:"replication_factor"`
	CreateTopic       bool     `yaml:"create_topic"`
	ClientTimeoutMs   int      `yaml:"client_timeout_ms"`
}

type IngestConf struct {
	DefaultCurrency    string `yaml:"default_currency"`
	HighValueThreshold string `yaml:"high_value_threshold"`
}

// PublisherConf holds retry and concurrency settings.
type PublisherConf struct {
	MaxAttempts      int `yaml:"max_attempts"`
	RetryBackoffMs   int `yaml:"retry_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
	AttemptTimeoutMs int `yaml:"attempt_timeout_ms"`
	Workers          int `yaml:"workers"`
	QueueDepth       int `yaml:"queue_depth"`
	BreakerFailures  int `yaml:"breaker_failures"` // negative disables the breaker
	BreakerOpenMs    int `yaml:"breaker_open_ms"`
}

type BatchConf struct {
	MaxSize   int `yaml:"max_size"`
	TimeoutMs int `yaml:"timeout_ms"`
}

// DedupConf selects where publish reservations are kept.
type DedupConf struct {
	Driver    string `yaml:"driver"` // memory | redis
	RedisAddr string `yaml:"redis_addr"`
	TTLMs     int64  `yaml:"ttl_ms"`
	// PendingTTLMs frees a reservation whose owner never committed.
	PendingTTLMs int64 `yaml:"pending_ttl_ms"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c LogConf) ClientTimeout() time.Duration { return ms(c.ClientTimeoutMs) }

func (c PublisherConf) RetryBackoff() time.Duration   { return ms(c.RetryBackoffMs) }
func (c PublisherConf) MaxBackoff() time.Duration     { return ms(c.MaxBackoffMs) }
func (c PublisherConf) AttemptTimeout() time.Duration { return ms(c.AttemptTimeoutMs) }
func (c PublisherConf) BreakerOpen() time.Duration    { return ms(c.BreakerOpenMs) }

func (c BatchConf) Timeout() time.Duration { return ms(c.TimeoutMs) }

func (c DedupConf) TTL() time.Duration        { return msec(c.TTLMs) }
func (c DedupConf) PendingTTL() time.Duration { return msec(c.PendingTTLMs) }

func msec(n int64) time.Duration { return time.Duration(n) * time.Millisecond }

// Threshold parses HighValueThreshold. Validate rejects values this
// cannot parse.
func (c IngestConf) Threshold() (decimal.Decimal, error) {
	return decimal.NewFromString(c.HighValueThreshold)
}
