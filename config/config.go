package config

import (
	"errors"
	"time"
)

// Config contains all the configuration for the application
type Config struct {
	// Core settings
	AppName   string
	ServerURL string
	AuthToken string
	Debug     bool

	// Profiling settings
	ProfilingEnabled  bool
	RotationInterval  time.Duration
	RecordingDuration time.Duration
	SampleRateHz      int
	ProfileCPU        bool
	ProfileAllocs     bool
	ProfileLocks      bool
	TempDir           string

	// HTTP settings
	ListenAddr string

	// Tracing settings
	TraceExporter string
	OTLPEndpoint  string
}

// NewDefault returns a new default config
func NewDefault() *Config {
	return &Config{
		AppName:           "goscope-example",
		ServerURL:         "http://localhost:4040",
		ProfilingEnabled:  true,
		RotationInterval:  60 * time.Second,
		RecordingDuration: 2 * time.Minute,
		SampleRateHz:      100,
		ProfileCPU:        true,
		ProfileAllocs:     true,
		ProfileLocks:      true,
		ListenAddr:        ":8080",
		TraceExporter:     "stdout",
		OTLPEndpoint:      "localhost:4317",
	}
}

// Validate checks the settings the collector and server depend on.
func (c *Config) Validate() error {
	if c.AppName == "" {
		return errors.New("app name is required")
	}
	if c.ProfilingEnabled {
		if c.ServerURL == "" {
			return errors.New("server URL is required when profiling is enabled")
		}
		if c.RotationInterval <= 0 {
			return errors.New("rotation interval must be positive")
		}
		if c.SampleRateHz <= 0 {
			return errors.New("sample rate must be positive")
		}
	}
	return nil
}
