package config

import "time"

// SessionConfig configures the context session machine.
type SessionConfig struct {
	MaxIterations    int           `yaml:"max_iterations"`
	TestSessionTTL   time.Duration `yaml:"test_session_ttl"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
}

// DefaultSessionConfig caps a turn at 16 tool rounds by default.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxIterations:   16,
		TestSessionTTL:  24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}
