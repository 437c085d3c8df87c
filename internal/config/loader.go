package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TXINGEST_"

// Loader reads the YAML config file once and watches it for edits. The
// loaded config never changes for the life of the process; watchers are
// told about a new version so the operator knows a restart is due.
type Loader struct {
	path     string
	current  *Config
	mu       sync.Mutex
	onChange []func(*Config)
}

// NewLoader performs the initial load. An empty path means defaults plus
// environment overrides only.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the configuration loaded at startup.
func (l *Loader) Config() *Config {
	return l.current
}

// Path is the file the config was read from, if any.
func (l *Loader) Path() string {
	return l.path
}

// OnChange registers a callback invoked with the re-read config whenever
// the file changes. The running config is not replaced.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that re-reads the file on change and
// notifies OnChange callbacks. Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return nil, errors.New("config watcher: no config file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := l.load()
				if err != nil {
					slog.Warn("changed config could not be read", "path", l.path, "err", err)
					continue
				}
				l.mu.Lock()
				callbacks := make([]func(*Config), len(l.onChange))
				copy(callbacks, l.onChange)
				l.mu.Unlock()
				for _, fn := range callbacks {
					fn(cfg)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

func (l *Loader) load() (*Config, error) {
	cfg := Default()
	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", l.path, err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == "" {
		cfg.Version = "v1"
	}
	if cfg.Log.Driver == "" {
		cfg.Log.Driver = "kafka"
	}
	if len(cfg.Log.Brokers) == 0 {
		cfg.Log.Brokers = []string{"localhost:9092"}
	}
	if cfg.Log.Topic == "" {
		cfg.Log.Topic = "raw-transactions"
	}
	if cfg.Log.Partitions == 0 {
		cfg.Log.Partitions = 3
	}
	if cfg.Log.ReplicationFactor == 0 {
		cfg.Log.ReplicationFactor = 1
	}
	if cfg.Log.ClientTimeoutMs == 0 {
		cfg.Log.ClientTimeoutMs = 10000
	}
	if cfg.Ingest.DefaultCurrency == "" {
		cfg.Ingest.DefaultCurrency = "USD"
	}
	if cfg.Ingest.HighValueThreshold == "" {
		cfg.Ingest.HighValueThreshold = "100000"
	}
	if cfg.Publisher.MaxAttempts == 0 {
		cfg.Publisher.MaxAttempts = 3
	}
	if cfg.Publisher.RetryBackoffMs == 0 {
		cfg.Publisher.RetryBackoffMs = 1000
	}
	if cfg.Publisher.MaxBackoffMs == 0 {
		cfg.Publisher.MaxBackoffMs = 10000
	}
	if cfg.Publisher.AttemptTimeoutMs == 0 {
		cfg.Publisher.AttemptTimeoutMs = 10000
	}
	if cfg.Publisher.Workers == 0 {
		cfg.Publisher.Workers = 32
	}
	if cfg.Publisher.QueueDepth == 0 {
		cfg.Publisher.QueueDepth = 10000
	}
	if cfg.Publisher.BreakerFailures == 0 {
		cfg.Publisher.BreakerFailures = 5
	}
	if cfg.Publisher.BreakerOpenMs == 0 {
		cfg.Publisher.BreakerOpenMs = 30000
	}
	if cfg.Batch.MaxSize == 0 {
		cfg.Batch.MaxSize = 100
	}
	if cfg.Batch.TimeoutMs == 0 {
		cfg.Batch.TimeoutMs = 5000
	}
	if cfg.Dedup.Driver == "" {
		cfg.Dedup.Driver = "memory"
	}
	if cfg.Dedup.RedisAddr == "" {
		cfg.Dedup.RedisAddr = "localhost:6379"
	}
	if cfg.Dedup.TTLMs == 0 {
		cfg.Dedup.TTLMs = 86400000
	}
	if cfg.Dedup.PendingTTLMs == 0 {
		cfg.Dedup.PendingTTLMs = 60000
	}
}

// applyEnv overlays TXINGEST_* variables on cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}

	str("LOG_DRIVER", &cfg.Log.Driver)
	if v, ok := lookup(EnvPrefix + "KAFKA_BROKERS"); ok && v != "" {
		cfg.Log.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Log.Brokers = append(cfg.Log.Brokers, b)
			}
		}
	}
	str("TOPIC", &cfg.Log.Topic)
	str("DEFAULT_CURRENCY", &cfg.Ingest.DefaultCurrency)
	str("HIGH_VALUE_THRESHOLD", &cfg.Ingest.HighValueThreshold)
	num("MAX_ATTEMPTS", &cfg.Publisher.MaxAttempts)
	num("RETRY_BACKOFF_MS", &cfg.Publisher.RetryBackoffMs)
	num("WORKERS", &cfg.Publisher.Workers)
	num("BATCH_MAX_SIZE", &cfg.Batch.MaxSize)
	num("BATCH_TIMEOUT_MS", &cfg.Batch.TimeoutMs)
	str("DEDUP_DRIVER", &cfg.Dedup.Driver)
	str("REDIS_ADDR", &cfg.Dedup.RedisAddr)
	return errors.Join(errs...)
}
