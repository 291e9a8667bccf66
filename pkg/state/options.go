package state

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CleanupPolicy selects how often the manager cleans the backend.
type CleanupPolicy string

const (
	CleanupTTL        CleanupPolicy = "ttl"
	CleanupAggressive CleanupPolicy = "aggressive"
	CleanupHybrid     CleanupPolicy = "hybrid"
	CleanupNone       CleanupPolicy = "none"
)

// CleanupConfig configures the background cleanup loop.
type CleanupConfig struct {
	// Policy selects the cleanup interval.
	Policy CleanupPolicy `yaml:"policy" validate:"omitempty,oneof=ttl aggressive hybrid none"`

	// TTL is how long TERMINATED resources are retained.
	TTL time.Duration `yaml:"ttl"`

	// Schedule is a cron expression that replaces the policy interval.
	Schedule string `yaml:"schedule"`

	// Interval overrides the policy interval when non-zero.
	Interval time.Duration `yaml:"interval"`
}

// interval returns the loop period for the policy.
func (c CleanupConfig) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	switch c.Policy {
	case CleanupAggressive:
		return time.Minute
	case CleanupTTL:
		return 5 * time.Minute
	default:
		return time.Hour
	}
}

// Validate checks the cron schedule, if any.
func (c CleanupConfig) Validate() error {
	if c.Schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", c.Schedule, err)
	}
	return nil
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// CacheSize bounds the LRU cache of current entries.
	CacheSize int `yaml:"cache_size" validate:"gte=0"`

	// SnapshotInterval takes a snapshot whenever the history length is a
	// multiple of it.
	SnapshotInterval int `yaml:"snapshot_interval" validate:"gte=0"`

	Cleanup CleanupConfig `yaml:"cleanup"`
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		CacheSize:        1000,
		SnapshotInterval: 10,
		Cleanup: CleanupConfig{
			Policy: CleanupHybrid,
			TTL:    24 * time.Hour,
		},
	}
}

type setOptions struct {
	metadata      map[string]interface{}
	reason        *string
	failureInfo   map[string]interface{}
	correlationID string
}

// SetOption customises a SetState call.
type SetOption func(*setOptions)

// WithMetadata attaches metadata to the new entry.
func WithMetadata(metadata map[string]interface{}) SetOption {
	return func(o *setOptions) { o.metadata = metadata }
}

// WithReason records why the transition happened.
func WithReason(reason string) SetOption {
	return func(o *setOptions) { o.reason = &reason }
}

// WithFailureInfo attaches failure details to the new entry.
func WithFailureInfo(info map[string]interface{}) SetOption {
	return func(o *setOptions) { o.failureInfo = info }
}

// WithCorrelationID tags the emitted state change event.
func WithCorrelationID(id string) SetOption {
	return func(o *setOptions) { o.correlationID = id }
}

type getOptions struct {
	version  int
	noCache  bool
	versions bool
}

// GetOption customises a GetState call.
type GetOption func(*getOptions)

// AtVersion reads the first history entry with the given version. The
// result is never cached.
func AtVersion(version int) GetOption {
	return func(o *getOptions) {
		o.version = version
		o.versions = true
	}
}

// NoCache bypasses the cache and does not populate it.
func NoCache() GetOption {
	return func(o *getOptions) { o.noCache = true }
}
