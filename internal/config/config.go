// Package config gathers runtime settings from the environment, with an
// optional YAML file for per-dependency circuit breaker tunables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jun/trailhunt/backend/internal/breaker"
	"github.com/jun/trailhunt/backend/internal/devicelock"
	"github.com/jun/trailhunt/backend/internal/locktoken"
	"github.com/jun/trailhunt/backend/internal/secret"
	"github.com/jun/trailhunt/backend/internal/upload"
)

// Photo storage backends.
const (
	PhotoBackendS3     = "s3"
	PhotoBackendDrive  = "drive"
	PhotoBackendMemory = "memory"
)

// Device lock backends.
const (
	LockBackendDynamo = "dynamodb"
	LockBackendMemory = "memory"
)

// Hunt (team and progress) backends.
const (
	HuntBackendPostgres = "postgres"
	HuntBackendMemory   = "memory"
)

// Config is the resolved runtime configuration.
type Config struct {
	DevMode     bool
	LogJSON     bool
	LogLevel    slog.Level
	FrontendURL string
	Addr        string

	LockBackend           string
	DeviceLocksTable      string
	LockPolicy            devicelock.Policy
	LockRefreshOnReverify bool
	LockTokenTTL          time.Duration
	RequireLockToken      bool

	PhotoBackend  string
	S3Bucket      string
	S3PublicURL   string
	S3Endpoint    string
	DriveFolderID string
	GoogleClient  string
	KMSKeyID      string

	HuntBackend   string
	RunMigrations bool

	MaxPhotoBytes       int
	Retry               upload.RetryPolicy
	CompensationTimeout time.Duration
	Breakers            map[string]breaker.Config

	Params secret.Params
}

// Load reads the process environment.
func Load() (*Config, error) {
	return FromLookup(os.Getenv)
}

// FromLookup builds a Config from getenv. Unset variables take defaults.
func FromLookup(getenv func(string) string) (*Config, error) {
	env := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	var errs []error
	duration := func(key string, fallback time.Duration) time.Duration {
		v := getenv(key)
		if v == "" {
			return fallback
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
			return fallback
		}
		return d
	}
	integer := func(key string, fallback int) int {
		v := getenv(key)
		if v == "" {
			return fallback
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid positive integer %q", key, v))
			return fallback
		}
		return n
	}

	dev := getenv("DEV_MODE") == "true"
	cfg := &Config{
		DevMode:     dev,
		LogJSON:     env("LOG_FORMAT", defaultLogFormat(getenv)) == "json",
		FrontendURL: env("FRONTEND_URL", "http://localhost:3000"),
		Addr:        env("LISTEN_ADDR", ":8080"),

		DeviceLocksTable:      env("DEVICE_LOCKS_TABLE", "DeviceLocks"),
		LockRefreshOnReverify: getenv("LOCK_REFRESH_ON_REVERIFY") == "true",
		LockTokenTTL:          duration("LOCK_TOKEN_TTL", locktoken.DefaultTTL),

		S3Bucket:      getenv("PHOTO_BUCKET"),
		S3PublicURL:   getenv("PHOTO_PUBLIC_URL"),
		S3Endpoint:    getenv("S3_ENDPOINT"),
		DriveFolderID: getenv("DRIVE_FOLDER_ID"),
		GoogleClient:  getenv("GOOGLE_CLIENT_ID"),
		KMSKeyID:      env("KMS_KEY_ID", "alias/trailhunt-drive-token"),

		RunMigrations: env("RUN_MIGRATIONS", "true") == "true",

		MaxPhotoBytes:       integer("MAX_PHOTO_BYTES", upload.DefaultMaxPhotoBytes),
		CompensationTimeout: duration("COMPENSATION_TIMEOUT", 5*time.Second),
		Retry: upload.RetryPolicy{
			Attempts:  integer("RETRY_ATTEMPTS", upload.DefaultRetryPolicy().Attempts),
			BaseDelay: duration("RETRY_BASE_DELAY", upload.DefaultRetryPolicy().BaseDelay),
		},
	}

	cfg.RequireLockToken = env("REQUIRE_LOCK_TOKEN", strconv.FormatBool(!dev)) == "true"

	if dev {
		cfg.PhotoBackend = env("PHOTO_BACKEND", PhotoBackendMemory)
		cfg.HuntBackend = env("HUNT_BACKEND", HuntBackendMemory)
		cfg.LockBackend = env("LOCK_BACKEND", LockBackendMemory)
	} else {
		cfg.PhotoBackend = env("PHOTO_BACKEND", PhotoBackendS3)
		cfg.HuntBackend = env("HUNT_BACKEND", HuntBackendPostgres)
		cfg.LockBackend = env("LOCK_BACKEND", LockBackendDynamo)
	}
	switch cfg.PhotoBackend {
	case PhotoBackendS3:
		if cfg.S3Bucket == "" {
			errs = append(errs, errors.New("PHOTO_BUCKET is required for the s3 photo backend"))
		}
	case PhotoBackendDrive:
		if cfg.DriveFolderID == "" {
			errs = append(errs, errors.New("DRIVE_FOLDER_ID is required for the drive photo backend"))
		}
	case PhotoBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("PHOTO_BACKEND: unknown backend %q", cfg.PhotoBackend))
	}
	if cfg.LockBackend != LockBackendDynamo && cfg.LockBackend != LockBackendMemory {
		errs = append(errs, fmt.Errorf("LOCK_BACKEND: unknown backend %q", cfg.LockBackend))
	}
	if cfg.HuntBackend != HuntBackendPostgres && cfg.HuntBackend != HuntBackendMemory {
		errs = append(errs, fmt.Errorf("HUNT_BACKEND: unknown backend %q", cfg.HuntBackend))
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(env("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	policy, err := devicelock.ParsePolicy(getenv("LOCK_CONFLICT_POLICY"))
	if err != nil {
		errs = append(errs, fmt.Errorf("LOCK_CONFLICT_POLICY: %w", err))
	}
	cfg.LockPolicy = policy

	p := secret.DefaultParams()
	p.LockTokenSecret = env("LOCK_TOKEN_SECRET_PARAM", p.LockTokenSecret)
	p.DatabaseURL = env("DATABASE_URL_PARAM", p.DatabaseURL)
	p.OriginSecret = env("API_GATEWAY_SECRET_PARAM", p.OriginSecret)
	p.DriveRefreshToken = env("DRIVE_REFRESH_TOKEN_PARAM", p.DriveRefreshToken)
	p.DriveClientSecret = env("GOOGLE_CLIENT_SECRET_PARAM", p.DriveClientSecret)
	cfg.Params = p

	cfg.Breakers = DefaultBreakers()
	if path := getenv("BREAKER_CONFIG_FILE"); path != "" {
		b, err := LoadBreakers(path)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Breakers = b
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultLogFormat is JSON inside Lambda and text elsewhere.
func defaultLogFormat(getenv func(string) string) string {
	if getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		return "json"
	}
	return "text"
}

// DefaultBreakers returns the built-in tunables for every known dependency.
func DefaultBreakers() map[string]breaker.Config {
	return map[string]breaker.Config{
		upload.DepStorage:  breaker.DefaultConfig(),
		upload.DepDatabase: breaker.DefaultConfig(),
	}
}

type breakerFile struct {
	Defaults *breaker.Config           `yaml:"defaults"`
	Breakers map[string]breaker.Config `yaml:"breakers"`
}

// LoadBreakers reads a breaker YAML file:
//
//	defaults:
//	  failure_threshold: 5
//	breakers:
//	  storage-provider:
//	    open_timeout: 45s
//
// Fields left out fall back to the file's defaults, then to the built-in ones.
func LoadBreakers(path string) (map[string]breaker.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read breaker config: %w", err)
	}
	return ParseBreakers(raw)
}

// ParseBreakers is LoadBreakers over an in-memory document.
func ParseBreakers(raw []byte) (map[string]breaker.Config, error) {
	var f breakerFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse breaker config: %w", err)
	}

	base := breaker.DefaultConfig()
	if f.Defaults != nil {
		base = merge(*f.Defaults, base)
	}

	out := make(map[string]breaker.Config)
	for dep := range DefaultBreakers() {
		out[dep] = base
	}
	for dep, c := range f.Breakers {
		out[dep] = merge(c, base)
	}
	for dep, c := range out {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("breaker %s: %w", dep, err)
		}
	}
	return out, nil
}

// merge fills zero fields of c from base.
func merge(c, base breaker.Config) breaker.Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = base.FailureThreshold
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = base.OpenTimeout
	}
	if c.FailureWindow == 0 {
		c.FailureWindow = base.FailureWindow
	}
	return c
}
