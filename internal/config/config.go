package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/lanternops/waydesk/internal/logging"
)

// Config holds the server's static configuration. Fields tagged
// for the UI's runtime toggle list can additionally be pinned via a
// WAYDESK_<KEY>=value|locked environment variable, recorded in locked.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	ListenPort int    `mapstructure:"listen_port"`

	PublicCandidate         string `mapstructure:"public_candidate"`
	CandidateFromHostHeader bool   `mapstructure:"candidate_from_host_header"`

	PingIntervalSeconds      int `mapstructure:"ping_interval_seconds"`
	PingTimeoutSeconds       int `mapstructure:"ping_timeout_seconds"`
	SessionGCIntervalSeconds int `mapstructure:"session_gc_interval_seconds"`

	TargetFPS         int    `mapstructure:"target_fps"`
	VideoCodec        string `mapstructure:"video_codec"`
	HardwareEncoder   string `mapstructure:"hardware_encoder"`
	PipelineLatencyMS int    `mapstructure:"pipeline_latency_ms"`

	SuppressGTKCSD bool `mapstructure:"suppress_gtk_csd"`

	BasicAuthUser string `mapstructure:"basic_auth_user"`
	BasicAuthPass string `mapstructure:"basic_auth_pass"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	UploadDir    string `mapstructure:"upload_dir"`
	MaxUploadMB  int    `mapstructure:"max_upload_mb"`

	MCPEnabled bool `mapstructure:"mcp_enabled"`

	locked map[string]bool
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		ListenAddr:               "0.0.0.0",
		ListenPort:               8008,
		CandidateFromHostHeader:  true,
		PingIntervalSeconds:      15,
		PingTimeoutSeconds:       45,
		SessionGCIntervalSeconds: 10,
		TargetFPS:                30,
		VideoCodec:               "h264",
		HardwareEncoder:          "auto",
		PipelineLatencyMS:        100,
		SuppressGTKCSD:           true,
		LogLevel:                 "info",
		LogFormat:                "text",
		LogMaxSizeMB:             50,
		LogMaxBackups:            3,
		MaxUploadMB:              500,
		MCPEnabled:               false,
		locked:                   map[string]bool{},
	}
}

// Load reads the TOML config (explicit path, or the default search path)
// and layers WAYDESK_-prefixed environment overrides on top, honoring the
// "|locked" suffix convention. Validation errors are logged
// as warnings and clamped where safe; only structurally fatal values
// (handled in Validate) abort startup.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("waydesk")
		v.SetConfigType("toml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.locked = applyEnvOverrides(cfg)

	log := logging.L("config")
	result := cfg.Validate()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if len(result.Fatals) > 0 {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// Save writes cfg to cfgFile (or the default config path) as TOML.
func Save(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("listen_addr", cfg.ListenAddr)
	v.Set("listen_port", cfg.ListenPort)
	v.Set("public_candidate", cfg.PublicCandidate)
	v.Set("candidate_from_host_header", cfg.CandidateFromHostHeader)
	v.Set("ping_interval_seconds", cfg.PingIntervalSeconds)
	v.Set("ping_timeout_seconds", cfg.PingTimeoutSeconds)
	v.Set("session_gc_interval_seconds", cfg.SessionGCIntervalSeconds)
	v.Set("target_fps", cfg.TargetFPS)
	v.Set("video_codec", cfg.VideoCodec)
	v.Set("hardware_encoder", cfg.HardwareEncoder)
	v.Set("pipeline_latency_ms", cfg.PipelineLatencyMS)
	v.Set("suppress_gtk_csd", cfg.SuppressGTKCSD)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("upload_dir", cfg.UploadDir)
	v.Set("max_upload_mb", cfg.MaxUploadMB)
	v.Set("mcp_enabled", cfg.MCPEnabled)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
	} else {
		cfgPath = filepath.Join(configDir(), "waydesk.toml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("config: mkdir: %w", err)
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return os.Chmod(cfgPath, 0600)
}

// IsLocked reports whether key was pinned via a "|locked" env override,
// meaning the UI's settings surface must not offer it for change.
func (c *Config) IsLocked(key string) bool {
	return c.locked[key]
}

func configDir() string {
	return "/etc/waydesk"
}

// envOverrides maps WAYDESK_<KEY> suffixes to the field each overrides.
// Only the scalar fields exposed on the UI toggle list are eligible.
var envOverrides = map[string]func(c *Config, raw string) error{
	"TARGET_FPS": func(c *Config, raw string) error {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		c.TargetFPS = n
		return nil
	},
	"VIDEO_CODEC":      func(c *Config, raw string) error { c.VideoCodec = raw; return nil },
	"HARDWARE_ENCODER": func(c *Config, raw string) error { c.HardwareEncoder = raw; return nil },
	"PUBLIC_CANDIDATE": func(c *Config, raw string) error { c.PublicCandidate = raw; return nil },
	"BASIC_AUTH_USER":  func(c *Config, raw string) error { c.BasicAuthUser = raw; return nil },
	"BASIC_AUTH_PASS":  func(c *Config, raw string) error { c.BasicAuthPass = raw; return nil },
}

func applyEnvOverrides(cfg *Config) map[string]bool {
	locked := map[string]bool{}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "WAYDESK_") {
			continue
		}
		key := strings.TrimPrefix(name, "WAYDESK_")
		apply, known := envOverrides[key]
		if !known {
			continue
		}

		raw := value
		isLocked := false
		if rest, found := strings.CutSuffix(value, "|locked"); found {
			raw = rest
			isLocked = true
		}

		if err := apply(cfg, raw); err != nil {
			continue
		}
		if isLocked {
			locked[strings.ToLower(key)] = true
		}
	}
	return locked
}
