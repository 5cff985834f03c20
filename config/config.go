package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/frame/config"
)

type RealtimeConfig struct {
	config.ConfigurationDefault

	// Admission control
	MaxConcurrentConnections int `envDefault:"5000" env:"MAX_CONCURRENT_CONNECTIONS"`
	ConnectionTimeoutSec     int `envDefault:"30"   env:"CONNECTION_TIMEOUT_SEC"`

	// Authentication
	AuthenticationTimeoutMs int    `envDefault:"2000" env:"AUTHENTICATION_TIMEOUT_MS"`
	JwtSigningSecret        string `envDefault:""     env:"JWT_SIGNING_SECRET"`
	JwtIssuer               string `envDefault:""     env:"JWT_ISSUER"`

	// Heartbeat monitoring
	HeartbeatIntervalSec int `envDefault:"30" env:"HEARTBEAT_INTERVAL_SEC"`
	MaxMissedPings       int `envDefault:"10" env:"MAX_MISSED_PINGS"`

	// Registry maintenance
	SweepIntervalSec int `envDefault:"300" env:"SWEEP_INTERVAL_SEC"`

	// Delivery retry and broadcast pacing
	MaxRetries       int `envDefault:"3"    env:"MAX_RETRIES"`
	BaseRetryDelayMs int `envDefault:"1000" env:"BASE_RETRY_DELAY_MS"`
	ChunkSize        int `envDefault:"100"  env:"CHUNK_SIZE"`
	ChunkDelayMs     int `envDefault:"50"   env:"CHUNK_DELAY_MS"`

	// Shutdown drain
	ShutdownDrainSec int `envDefault:"2" env:"SHUTDOWN_DRAIN_SEC"`

	// Cache configuration - user snapshots are shared with the account
	// services through this cache
	CacheName            string `envDefault:"defaultCache"           env:"CACHE_NAME"`
	CacheURI             string `envDefault:"redis://localhost:6379" env:"CACHE_URI"`
	CacheCredentialsFile string `envDefault:""                       env:"CACHE_CREDENTIALS_FILE"`
	UserCacheTTLSec      int    `envDefault:"300"                    env:"USER_CACHE_TTL_SEC"`

	// Queue for user-targeted deliveries published by backend services
	QueueRealtimeDeliveryName string `envDefault:"realtime.delivery"       env:"QUEUE_REALTIME_DELIVERY_NAME"`
	QueueRealtimeDeliveryURI  string `envDefault:"mem://realtime.delivery" env:"QUEUE_REALTIME_DELIVERY_URI"`

	// Queue receiving payloads for users without a live connection
	QueueOfflineDeliveryName string `envDefault:"offline.delivery"       env:"QUEUE_OFFLINE_DELIVERY_NAME"`
	QueueOfflineDeliveryURI  string `envDefault:"mem://offline.delivery" env:"QUEUE_OFFLINE_DELIVERY_URI"`

	// Queue carrying connection lifecycle events to presence consumers
	QueueLifecycleEventsName string `envDefault:"realtime.lifecycle"       env:"QUEUE_LIFECYCLE_EVENTS_NAME"`
	QueueLifecycleEventsURI  string `envDefault:"mem://realtime.lifecycle" env:"QUEUE_LIFECYCLE_EVENTS_URI"`

	// Queue carrying user snapshot updates from the account services
	QueueProfileSyncName string `envDefault:"realtime.profile.sync"       env:"QUEUE_PROFILE_SYNC_NAME"`
	QueueProfileSyncURI  string `envDefault:"mem://realtime.profile.sync" env:"QUEUE_PROFILE_SYNC_URI"`
}

func (c *RealtimeConfig) AuthenticationTimeout() time.Duration {
	return time.Duration(c.AuthenticationTimeoutMs) * time.Millisecond
}

func (c *RealtimeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

func (c *RealtimeConfig) SetupTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSec) * time.Second
}

func (c *RealtimeConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c *RealtimeConfig) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelayMs) * time.Millisecond
}

func (c *RealtimeConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMs) * time.Millisecond
}

func (c *RealtimeConfig) ShutdownDrain() time.Duration {
	return time.Duration(c.ShutdownDrainSec) * time.Second
}

func (c *RealtimeConfig) UserCacheTTL() time.Duration {
	return time.Duration(c.UserCacheTTLSec) * time.Second
}

// Validate checks that the configuration is valid.
// Returns an error if any validation fails.
func (c *RealtimeConfig) Validate() error {
	var errs []error

	if c.MaxConcurrentConnections < 1 {
		errs = append(errs, errors.New("MaxConcurrentConnections must be >= 1"))
	}

	if c.ConnectionTimeoutSec <= 0 {
		errs = append(errs, errors.New("ConnectionTimeoutSec must be > 0"))
	}

	if c.AuthenticationTimeoutMs <= 0 {
		errs = append(errs, errors.New("AuthenticationTimeoutMs must be > 0"))
	}

	if c.JwtSigningSecret == "" {
		errs = append(errs, errors.New("JwtSigningSecret cannot be empty"))
	}

	if c.HeartbeatIntervalSec <= 0 {
		errs = append(errs, errors.New("HeartbeatIntervalSec must be > 0"))
	}

	if c.MaxMissedPings < 1 {
		errs = append(errs, errors.New("MaxMissedPings must be >= 1"))
	}

	if c.ConnectionTimeoutSec <= c.HeartbeatIntervalSec {
		errs = append(errs, fmt.Errorf("ConnectionTimeoutSec (%d) must be > HeartbeatIntervalSec (%d)",
			c.ConnectionTimeoutSec, c.HeartbeatIntervalSec))
	}

	if c.SweepIntervalSec <= 0 {
		errs = append(errs, errors.New("SweepIntervalSec must be > 0"))
	}

	if c.MaxRetries < 1 {
		errs = append(errs, errors.New("MaxRetries must be >= 1"))
	}

	if c.BaseRetryDelayMs <= 0 {
		errs = append(errs, errors.New("BaseRetryDelayMs must be > 0"))
	}

	if c.ChunkSize < 1 {
		errs = append(errs, errors.New("ChunkSize must be >= 1"))
	}

	if c.ChunkDelayMs < 0 {
		errs = append(errs, errors.New("ChunkDelayMs must be >= 0"))
	}

	if c.ShutdownDrainSec <= 0 {
		errs = append(errs, errors.New("ShutdownDrainSec must be > 0"))
	}

	if err := validateCacheURI(c.CacheURI, "CacheURI"); err != nil {
		errs = append(errs, err)
	}

	if err := validateQueueURI(c.QueueRealtimeDeliveryURI, "QueueRealtimeDeliveryURI"); err != nil {
		errs = append(errs, err)
	}
	if err := validateQueueURI(c.QueueOfflineDeliveryURI, "QueueOfflineDeliveryURI"); err != nil {
		errs = append(errs, err)
	}
	if err := validateQueueURI(c.QueueLifecycleEventsURI, "QueueLifecycleEventsURI"); err != nil {
		errs = append(errs, err)
	}
	if err := validateQueueURI(c.QueueProfileSyncURI, "QueueProfileSyncURI"); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// validateCacheURI checks that a cache URI has a valid scheme.
func validateCacheURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"redis://", "nats://", "mem://", "memory://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}

// validateQueueURI checks that a queue URI has a valid scheme.
func validateQueueURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"mem://", "redis://", "amqp://", "nats://", "kafka://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}
