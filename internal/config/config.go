// Package config loads the server configuration from a .env file, the
// environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config defines the runtime configuration for the monitor server.
type Config struct {
	HTTPAddr    string `validate:"required"`
	MetricsAddr string // Separate metrics listener; empty serves /metrics on HTTPAddr

	LogLevel      string `validate:"oneof=debug info warn warning error silent none DEBUG INFO WARN WARNING ERROR SILENT NONE"`
	LogColor      bool
	LogFile       string
	LogMaxSizeMB  int `validate:"gte=1"`
	LogMaxBackups int `validate:"gte=0"`
	LogMaxAgeDays int `validate:"gte=0"`

	JWTSecret string `validate:"required,min=16"`

	StoreType      string        `validate:"oneof=json sqlite"`
	StorePath      string        `validate:"required"`
	FlushInterval  time.Duration `validate:"min=100ms"`
	SessionIdleTTL time.Duration `validate:"min=0s"`
	CooldownExpiry time.Duration `validate:"min=0s"`

	CascadeDir    string `validate:"required"`
	MaxFrameBytes int    `validate:"gte=1024"`

	NATSURL     string `validate:"omitempty,url"`
	NATSSubject string `validate:"required"`

	SnapshotDir string

	STUNServers      []string `validate:"dive,required"`
	MaxWebRTCClients int      `validate:"gte=0"`
}

// DefaultConfig returns a config aligned with the existing Flask service.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:         ":5000",
		LogLevel:         "info",
		LogColor:         true,
		LogMaxSizeMB:     50,
		LogMaxBackups:    5,
		LogMaxAgeDays:    28,
		StoreType:        "json",
		StorePath:        "detection_data.json",
		FlushInterval:    2 * time.Second,
		SessionIdleTTL:   30 * time.Minute,
		CascadeDir:       "/usr/share/opencv4/haarcascades",
		MaxFrameBytes:    8 << 20,
		NATSSubject:      "proctor.alerts",
		STUNServers:      []string{"stun:stun.l.google.com:19302"},
		MaxWebRTCClients: 100,
	}
}

// Load builds the configuration. A missing .env file is not an error.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.parseFlags(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv overlays environment variables on the defaults.
func FromEnv() (Config, error) {
	d := DefaultConfig()
	var errs []error

	cfg := Config{
		HTTPAddr:    getEnv("HTTP_ADDR", d.HTTPAddr),
		MetricsAddr: getEnv("METRICS_ADDR", d.MetricsAddr),

		LogLevel:      getEnv("LOG_LEVEL", d.LogLevel),
		LogColor:      getEnvBool("LOG_COLOR", d.LogColor, &errs),
		LogFile:       getEnv("LOG_FILE", d.LogFile),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", d.LogMaxSizeMB, &errs),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", d.LogMaxBackups, &errs),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", d.LogMaxAgeDays, &errs),

		JWTSecret: getEnv("JWT_SECRET", d.JWTSecret),

		StoreType:      strings.ToLower(getEnv("STORE_TYPE", d.StoreType)),
		StorePath:      getEnv("STORE_PATH", d.StorePath),
		FlushInterval:  getEnvDuration("FLUSH_INTERVAL", d.FlushInterval, &errs),
		SessionIdleTTL: getEnvDuration("SESSION_IDLE_TTL", d.SessionIdleTTL, &errs),
		CooldownExpiry: getEnvDuration("COOLDOWN_EXPIRY", d.CooldownExpiry, &errs),

		CascadeDir:    getEnv("CASCADE_DIR", d.CascadeDir),
		MaxFrameBytes: getEnvInt("MAX_FRAME_BYTES", d.MaxFrameBytes, &errs),

		NATSURL:     getEnv("NATS_URL", d.NATSURL),
		NATSSubject: getEnv("NATS_SUBJECT", d.NATSSubject),

		SnapshotDir: getEnv("SNAPSHOT_DIR", d.SnapshotDir),

		STUNServers:      getEnvList("STUN_SERVERS", d.STUNServers),
		MaxWebRTCClients: getEnvInt("MAX_WEBRTC_CLIENTS", d.MaxWebRTCClients, &errs),
	}
	return cfg, errors.Join(errs...)
}

func (c *Config) parseFlags(args []string) error {
	fs := flag.NewFlagSet("monitor-server", flag.ContinueOnError)
	fs.StringVar(&c.HTTPAddr, "http", c.HTTPAddr, "HTTP listen address")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "Separate Prometheus metrics address (empty: serve on -http)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&c.LogColor, "log-color", c.LogColor, "Colorize log levels")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "Also write logs to this rotating file")
	fs.StringVar(&c.StoreType, "store", c.StoreType, "Record store (json, sqlite)")
	fs.StringVar(&c.StorePath, "store-path", c.StorePath, "Record store path")
	fs.DurationVar(&c.FlushInterval, "flush-interval", c.FlushInterval, "Store flush interval")
	fs.DurationVar(&c.SessionIdleTTL, "session-ttl", c.SessionIdleTTL, "End sessions idle this long (0 disables)")
	fs.DurationVar(&c.CooldownExpiry, "cooldown-expiry", c.CooldownExpiry, "Also lift alert cooldowns after this long (0: only on a clean frame)")
	fs.StringVar(&c.CascadeDir, "cascades", c.CascadeDir, "Directory with OpenCV Haar cascade files")
	fs.StringVar(&c.NATSURL, "nats", c.NATSURL, "NATS server URL (empty disables)")
	fs.StringVar(&c.SnapshotDir, "snapshots", c.SnapshotDir, "Evidence snapshot directory (empty disables)")
	fs.IntVar(&c.MaxWebRTCClients, "max-webrtc-clients", c.MaxWebRTCClients, "Maximum WebRTC peers")
	return fs.Parse(args)
}

var validate = validator.New()

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), redact(fe)))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func redact(fe validator.FieldError) any {
	if fe.Field() == "JWTSecret" {
		return "***"
	}
	return fe.Value()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int, errs *[]error) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool, errs *[]error) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are seconds.
		if secs, ferr := strconv.ParseFloat(v, 64); ferr == nil {
			return time.Duration(secs * float64(time.Second))
		}
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
