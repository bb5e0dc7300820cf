// Package config loads the service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/httpserver"
	"github.com/fmkit/filemanager/internal/storage"
	"github.com/fmkit/filemanager/internal/store/postgres"
	"github.com/fmkit/filemanager/internal/upload"
)

var (
	ErrParsingConfig = errors.New("failed to parse environment variables into config")
	ErrLoadingEnv    = errors.New("failed to load env file")
	ErrInvalidConfig = errors.New("invalid configuration")
)

const (
	AuthJWT    = "jwt"
	AuthHeader = "header"

	StoreMemory   = "memory"
	StorePostgres = "postgres"

	StagingMemory = "memory"
	StagingRedis  = "redis"
)

type Config struct {
	App      AppConfig         `envPrefix:"APP_"`
	HTTP     httpserver.Config `envPrefix:"HTTP_"`
	CORS     CORSConfig        `envPrefix:"CORS_"`
	Auth     AuthConfig        `envPrefix:"AUTH_"`
	Store    StoreConfig
	Staging  StagingConfig
	Storage  StorageConfig
	Upload   UploadConfig   `envPrefix:"UPLOAD_"`
	Delivery DeliveryConfig `envPrefix:"DELIVERY_"`
	Files    FilesConfig    `envPrefix:"FILES_"`
	Hook     HookConfig     `envPrefix:"HOOK_"`
}

type AppConfig struct {
	Name      string `env:"NAME" envDefault:"filemanager"`
	Env       string `env:"ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT"` // empty follows APP_ENV
}

type CORSConfig struct {
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	MaxAge         int      `env:"MAX_AGE" envDefault:"300"`
}

type AuthConfig struct {
	Mode      string        `env:"MODE" envDefault:"jwt"`
	JWTSecret string        `env:"JWT_SECRET"`
	JWTIssuer string        `env:"JWT_ISSUER"`
	Leeway    time.Duration `env:"JWT_LEEWAY" envDefault:"30s"`
}

type StoreConfig struct {
	Driver   string `env:"STORE_DRIVER" envDefault:"memory"`
	Postgres postgres.Config
}

type StagingConfig struct {
	Driver string `env:"STAGING_DRIVER" envDefault:"memory"`
	Redis  upload.RedisConfig
}

type StorageConfig struct {
	Default string      `env:"STORAGE_DEFAULT" envDefault:"local"`
	Local   LocalConfig `envPrefix:"LOCAL_"`
	S3      S3Config    `envPrefix:"S3_"`
}

type LocalConfig struct {
	Enabled      bool          `env:"ENABLED" envDefault:"true"`
	BaseDir      string        `env:"BASE_DIR" envDefault:"./data/files"`
	Bucket       string        `env:"BUCKET" envDefault:"default"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"5m"`
}

type S3Config struct {
	Enabled        bool          `env:"ENABLED"`
	Bucket         string        `env:"BUCKET"`
	Region         string        `env:"REGION" envDefault:"us-east-1"`
	AccessKeyID    string        `env:"ACCESS_KEY_ID"`
	SecretKey      string        `env:"SECRET_ACCESS_KEY"`
	Endpoint       string        `env:"ENDPOINT"`
	ForcePathStyle bool          `env:"FORCE_PATH_STYLE"`
	PresignTTL     time.Duration `env:"PRESIGN_TTL" envDefault:"1h"`
}

// Driver maps the section onto the S3 driver configuration.
func (c S3Config) Driver() storage.S3Config {
	return storage.S3Config{
		Bucket:         c.Bucket,
		Region:         c.Region,
		AccessKeyID:    c.AccessKeyID,
		SecretKey:      c.SecretKey,
		Endpoint:       c.Endpoint,
		ForcePathStyle: c.ForcePathStyle,
		PresignTTL:     c.PresignTTL,
	}
}

type UploadConfig struct {
	MaxBytes            int64         `env:"MAX_BYTES" envDefault:"104857600"`
	DeniedExtensions    []string      `env:"DENIED_EXTENSIONS" envSeparator:"," envDefault:".exe,.bat,.cmd,.com,.msi,.scr"`
	AllowedMIMEPrefixes []string      `env:"ALLOWED_MIME_PREFIXES" envSeparator:","`
	Mode                string        `env:"MODE" envDefault:"auto"`
	ReservationTTL      time.Duration `env:"RESERVATION_TTL" envDefault:"1h"`
	PresignTTL          time.Duration `env:"PRESIGN_TTL" envDefault:"15m"`
	DefaultPublic       bool          `env:"DEFAULT_PUBLIC"`
}

// Policy converts the section into the upload policy.
func (c UploadConfig) Policy() upload.Policy {
	denied := make([]string, 0, len(c.DeniedExtensions))
	for _, ext := range c.DeniedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		denied = append(denied, ext)
	}
	return upload.Policy{
		MaxBytes:            c.MaxBytes,
		DeniedExtensions:    denied,
		AllowedMIMEPrefixes: c.AllowedMIMEPrefixes,
		Mode:                upload.ModePolicy(c.Mode),
		ReservationTTL:      c.ReservationTTL,
		PresignTTL:          c.PresignTTL,
	}
}

type DeliveryConfig struct {
	CacheEnabled    bool          `env:"CACHE_ENABLED" envDefault:"true"`
	CacheTTL        time.Duration `env:"CACHE_TTL" envDefault:"60s"`
	CacheMaxEntries int           `env:"CACHE_MAX_ENTRIES" envDefault:"5000"`
	CacheControl    string        `env:"CACHE_CONTROL" envDefault:"public, max-age=300"`
	VariantFallback bool          `env:"VARIANT_FALLBACK" envDefault:"true"`
}

type FilesConfig struct {
	LinksEnabled     bool `env:"LINKS_ENABLED" envDefault:"true"`
	OwnerForceDelete bool `env:"OWNER_FORCE_DELETE"`
}

type HookConfig struct {
	URL             string        `env:"URL"`
	Secret          string        `env:"SECRET"`
	Workers         int           `env:"WORKERS" envDefault:"2"`
	QueueSize       int           `env:"QUEUE_SIZE" envDefault:"256"`
	DeliveryTimeout time.Duration `env:"DELIVERY_TIMEOUT" envDefault:"30s"`
	MaxRetries      int           `env:"MAX_RETRIES" envDefault:"3"`
}

// Load reads the given env files (".env" when none are given; missing files
// are skipped), parses the environment and validates the result. Variables
// already set in the process environment win over file values.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Join(ErrLoadingEnv, fmt.Errorf("%s: %w", f, err))
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad works like Load but panics on failure.
func MustLoad(files ...string) *Config {
	cfg, err := Load(files...)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks enums and cross-section requirements.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Auth.Mode {
	case AuthJWT:
		if c.Auth.JWTSecret == "" {
			invalid("AUTH_JWT_SECRET is required when AUTH_MODE=%s", AuthJWT)
		}
	case AuthHeader:
	default:
		invalid("AUTH_MODE must be %q or %q, got %q", AuthJWT, AuthHeader, c.Auth.Mode)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.Postgres.ConnectionString == "" {
			invalid("PG_CONN_URL is required when STORE_DRIVER=%s", StorePostgres)
		}
	default:
		invalid("STORE_DRIVER must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store.Driver)
	}

	switch c.Staging.Driver {
	case StagingMemory, StagingRedis:
	default:
		invalid("STAGING_DRIVER must be %q or %q, got %q", StagingMemory, StagingRedis, c.Staging.Driver)
	}

	def, err := domain.ParseLocation(c.Storage.Default)
	switch {
	case err != nil:
		invalid("STORAGE_DEFAULT: %v", err)
	case def == domain.LocationLocal && !c.Storage.Local.Enabled:
		invalid("STORAGE_DEFAULT=local requires LOCAL_ENABLED=true")
	case def == domain.LocationS3 && !c.Storage.S3.Enabled:
		invalid("STORAGE_DEFAULT=s3 requires S3_ENABLED=true")
	}
	if c.Storage.Local.Enabled && c.Storage.Local.BaseDir == "" {
		invalid("LOCAL_BASE_DIR is required when the local backend is enabled")
	}
	if c.Storage.S3.Enabled && c.Storage.S3.Bucket == "" {
		invalid("S3_BUCKET is required when the s3 backend is enabled")
	}

	switch upload.ModePolicy(c.Upload.Mode) {
	case upload.ModeAuto, upload.ModeForceDirect, upload.ModeForceProxied:
	default:
		invalid("UPLOAD_MODE must be auto, direct or proxied, got %q", c.Upload.Mode)
	}
	if c.Upload.MaxBytes <= 0 {
		invalid("UPLOAD_MAX_BYTES must be positive")
	}
	if c.Delivery.CacheEnabled && c.Delivery.CacheMaxEntries <= 0 {
		invalid("DELIVERY_CACHE_MAX_ENTRIES must be positive")
	}
	if c.Hook.URL != "" && c.Hook.Workers <= 0 {
		invalid("HOOK_WORKERS must be positive")
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Env, "production") || strings.EqualFold(c.App.Env, "prod")
}
