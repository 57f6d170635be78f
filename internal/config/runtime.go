package config

import (
	"fmt"
	"time"
)

// RuntimeConfig holds all hot-updatable global settings.
// These are persisted in the database and served via the system config API.
type RuntimeConfig struct {
	// Basic
	UserAgent string `json:"user_agent"`

	// Probe
	ProbeInterval Duration `json:"probe_interval"`
	ProbeTimeout  Duration `json:"probe_timeout"`

	// Scoring
	ScoreWindow Duration `json:"score_window"`

	// Publish
	PublishOKTimeout        Duration `json:"publish_ok_timeout"`
	MaterialChangeThreshold int      `json:"material_change_threshold"`

	// Sources
	SourcesRefreshInterval Duration `json:"sources_refresh_interval"`
	SourcesFetchTimeout    Duration `json:"sources_fetch_timeout"`

	// Operator / jurisdiction caches
	OperatorCacheTTL     Duration `json:"operator_cache_ttl"`
	JurisdictionCacheTTL Duration `json:"jurisdiction_cache_ttl"`

	// Retention
	RetentionDays int `json:"retention_days"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with defaults.
// ScoreWindow matches the 30-day cap the observation time factor uses, so
// a relay observed for the whole window earns the full factor.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		UserAgent: "vigil",

		ProbeInterval: Duration(10 * time.Minute),
		ProbeTimeout:  Duration(10 * time.Second),

		ScoreWindow: Duration(30 * 24 * time.Hour),

		PublishOKTimeout:        Duration(10 * time.Second),
		MaterialChangeThreshold: 3,

		SourcesRefreshInterval: Duration(1 * time.Hour),
		SourcesFetchTimeout:    Duration(30 * time.Second),

		OperatorCacheTTL:     Duration(6 * time.Hour),
		JurisdictionCacheTTL: Duration(24 * time.Hour),

		RetentionDays: 90,
	}
}

// Validate checks invariants that the API must enforce before accepting
// a replacement config.
func (c *RuntimeConfig) Validate() error {
	checks := []struct {
		ok  bool
		msg string
	}{
		{c.ProbeInterval > 0, "probe_interval must be positive"},
		{c.ProbeTimeout > 0, "probe_timeout must be positive"},
		{c.ScoreWindow > 0, "score_window must be positive"},
		{c.PublishOKTimeout > 0, "publish_ok_timeout must be positive"},
		{c.MaterialChangeThreshold >= 1, "material_change_threshold must be >= 1"},
		{c.SourcesRefreshInterval > 0, "sources_refresh_interval must be positive"},
		{c.SourcesFetchTimeout > 0, "sources_fetch_timeout must be positive"},
		{c.OperatorCacheTTL > 0, "operator_cache_ttl must be positive"},
		{c.JurisdictionCacheTTL > 0, "jurisdiction_cache_ttl must be positive"},
		{c.RetentionDays >= 1, "retention_days must be >= 1"},
	}
	for _, check := range checks {
		if !check.ok {
			return fmt.Errorf("config: %s", check.msg)
		}
	}
	return nil
}
