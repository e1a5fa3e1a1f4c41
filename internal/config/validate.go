package config

import (
	"fmt"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"warning": true,
	"error": true,
}

var validCodecs = map[string]bool{
	"h264": true,
	"vp8":  true,
	"vp9":  true,
	"av1":  true,
}

// ValidationResult splits validation findings into fatal errors (abort
// startup) and warnings (logged, value clamped to a safe default).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// Validate checks the config for invalid values. Out-of-range numeric
// settings are clamped in place and reported as warnings; structurally
// invalid values (unknown codec, bad listen port) are fatal.
func (c *Config) Validate() ValidationResult {
	var r ValidationResult

	if c.ListenPort < 1 || c.ListenPort > 65535 {
		r.Fatals = append(r.Fatals, fmt.Errorf("listen_port %d is out of range 1-65535", c.ListenPort))
	}

	if c.VideoCodec != "" && !validCodecs[strings.ToLower(c.VideoCodec)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("video_codec %q is not supported (use h264, vp8, vp9, av1)", c.VideoCodec))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid, defaulting to info", c.LogLevel))
		c.LogLevel = "info"
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json), defaulting to text", c.LogFormat))
		c.LogFormat = "text"
	}

	if c.TargetFPS < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("target_fps %d is below minimum 1, clamping", c.TargetFPS))
		c.TargetFPS = 1
	} else if c.TargetFPS > 60 {
		r.Warnings = append(r.Warnings, fmt.Errorf("target_fps %d exceeds maximum 60, clamping", c.TargetFPS))
		c.TargetFPS = 60
	}

	if c.PingIntervalSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("ping_interval_seconds %d is below minimum 1, clamping", c.PingIntervalSeconds))
		c.PingIntervalSeconds = 1
	}

	if c.PingTimeoutSeconds <= c.PingIntervalSeconds {
		r.Warnings = append(r.Warnings, fmt.Errorf("ping_timeout_seconds %d must exceed ping_interval_seconds %d, clamping", c.PingTimeoutSeconds, c.PingIntervalSeconds))
		c.PingTimeoutSeconds = c.PingIntervalSeconds * 3
	}

	if c.SessionGCIntervalSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("session_gc_interval_seconds %d is below minimum 1, clamping", c.SessionGCIntervalSeconds))
		c.SessionGCIntervalSeconds = 1
	}

	if c.MaxUploadMB < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_upload_mb %d is below minimum 1, clamping", c.MaxUploadMB))
		c.MaxUploadMB = 1
	} else if c.MaxUploadMB > 4096 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_upload_mb %d exceeds maximum 4096, clamping", c.MaxUploadMB))
		c.MaxUploadMB = 4096
	}

	if (c.BasicAuthUser == "") != (c.BasicAuthPass == "") {
		r.Warnings = append(r.Warnings, fmt.Errorf("basic_auth_user and basic_auth_pass must both be set or both empty, disabling basic auth"))
		c.BasicAuthUser = ""
		c.BasicAuthPass = ""
	}

	return r
}
