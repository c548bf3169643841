package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Plates      PlatesConfig      `yaml:"plates"`
	Batch       BatchConfig       `yaml:"batch"`
	Transport   TransportConfig   `yaml:"transport"`
	Redis       RedisConfig       `yaml:"redis"`
	MinIO       MinIOConfig       `yaml:"minio"`
	Builder     BuilderConfig     `yaml:"builder"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	JWTAudience  string `yaml:"jwt_audience"`
	JWTIssuer    string `yaml:"jwt_issuer"`
	RequiredRole string `yaml:"required_role"`
}

type RecognitionConfig struct {
	Host          string         `yaml:"host"`
	Port          int            `yaml:"port"`
	ConfigName    string         `yaml:"config_name"`
	TokenHeader   string         `yaml:"token_header"`
	ANPR          bool           `yaml:"anpr"`
	MMR           bool           `yaml:"mmr"`
	Diagnostic    bool           `yaml:"diagnostic"`
	MinImageBytes int            `yaml:"min_image_bytes"`
	MaxImageBytes int            `yaml:"max_image_bytes"`
	Timeouts      TimeoutsConfig `yaml:"timeouts"`
	Systemic      SystemicConfig `yaml:"systemic"`
}

type TimeoutsConfig struct {
	Config  time.Duration `yaml:"config"`
	Submit  time.Duration `yaml:"submit"`
	Fetch   time.Duration `yaml:"fetch"`
	Release time.Duration `yaml:"release"`
}

// SystemicConfig selects which responses trip the circuit breaker. With no
// status codes every 5xx does.
type SystemicConfig struct {
	StatusCodes []int    `yaml:"status_codes"`
	BodyMarkers []string `yaml:"body_markers"`
}

type PlateSchemeConfig struct {
	Path        string `yaml:"path"`
	TokenParam  string `yaml:"token_param"`
	NumberParam string `yaml:"number_param"`
}

type PlatesConfig struct {
	Primary  PlateSchemeConfig  `yaml:"primary"`
	Fallback *PlateSchemeConfig `yaml:"fallback"`
	MinBytes int                `yaml:"min_bytes"`
	MaxBytes int                `yaml:"max_bytes"`
}

type BatchConfig struct {
	MaxSize              int           `yaml:"max_size"`
	ReleaseLeakThreshold int           `yaml:"release_leak_threshold"`
	ConfigAttempts       int           `yaml:"config_attempts"`
	ConfigBackoff        time.Duration `yaml:"config_backoff"`
}

type SSHHopConfig struct {
	Addr                  string `yaml:"addr"`
	User                  string `yaml:"user"`
	Password              string `yaml:"password"`
	KeyFile               string `yaml:"key_file"`
	KnownHostsFile        string `yaml:"known_hosts_file"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
}

type TransportConfig struct {
	Mode        string         `yaml:"mode"`
	DialTimeout time.Duration  `yaml:"dial_timeout"`
	Hops        []SSHHopConfig `yaml:"hops"`
}

// RedisConfig enables the cross-replica host lock when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockKey  string        `yaml:"lock_key"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
	LockWait time.Duration `yaml:"lock_wait"`
}

// MinIOConfig enables the storage batch endpoint when Endpoint is set.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type BuilderConfig struct {
	AbsolutePaths bool `yaml:"absolute_paths"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	TransportDirect = "direct"
	TransportSSH    = "ssh"
)

// Default returns the configuration used for any field a file or the
// environment leaves unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
			MaxUploadBytes:  256 << 20,
			AllowedOrigins:  []string{"*"},
		},
		Recognition: RecognitionConfig{
			Host:          "127.0.0.1",
			Port:          5543,
			ConfigName:    "tmp",
			TokenHeader:   "NCShot-Token",
			ANPR:          true,
			MMR:           true,
			Diagnostic:    true,
			MinImageBytes: 1024,
			MaxImageBytes: 20 << 20,
			Timeouts: TimeoutsConfig{
				Config:  10 * time.Second,
				Submit:  30 * time.Second,
				Fetch:   10 * time.Second,
				Release: 5 * time.Second,
			},
			Systemic: SystemicConfig{BodyMarkers: []string{"std::bad_alloc"}},
		},
		Plates: PlatesConfig{
			Primary:  PlateSchemeConfig{Path: "/vehicleplate", TokenParam: "token", NumberParam: "number"},
			MinBytes: 64,
			MaxBytes: 2 << 20,
		},
		Batch: BatchConfig{
			MaxSize:              50,
			ReleaseLeakThreshold: 3,
			ConfigAttempts:       2,
			ConfigBackoff:        500 * time.Millisecond,
		},
		Transport: TransportConfig{
			Mode:        TransportDirect,
			DialTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			LockKey:  "ncshot:host-lock",
			LockTTL:  10 * time.Minute,
			LockWait: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads config from a YAML file over the defaults and applies
// environment variable overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	r := c.Recognition
	if strings.TrimSpace(r.Host) == "" {
		errs = append(errs, errors.New("recognition.host is required"))
	}
	if r.Port <= 0 || r.Port > 65535 {
		errs = append(errs, fmt.Errorf("recognition.port %d out of range", r.Port))
	}
	if r.ConfigName == "" || strings.Contains(r.ConfigName, "/") {
		errs = append(errs, fmt.Errorf("recognition.config_name %q is invalid", r.ConfigName))
	}
	if r.TokenHeader == "" {
		errs = append(errs, errors.New("recognition.token_header is required"))
	}
	if r.MinImageBytes < 0 || r.MaxImageBytes <= r.MinImageBytes {
		errs = append(errs, fmt.Errorf("recognition image envelope [%d, %d] is invalid", r.MinImageBytes, r.MaxImageBytes))
	}
	if c.Plates.MinBytes < 0 || c.Plates.MaxBytes <= c.Plates.MinBytes {
		errs = append(errs, fmt.Errorf("plates envelope [%d, %d] is invalid", c.Plates.MinBytes, c.Plates.MaxBytes))
	}
	if c.Plates.MaxBytes >= r.MaxImageBytes {
		errs = append(errs, fmt.Errorf("plates.max_bytes %d must be smaller than recognition.max_image_bytes %d", c.Plates.MaxBytes, r.MaxImageBytes))
	}
	if c.Plates.Primary.Path == "" {
		errs = append(errs, errors.New("plates.primary.path is required"))
	}
	if c.Batch.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("batch.max_size %d must be positive", c.Batch.MaxSize))
	}
	if c.Batch.ConfigAttempts < 1 || c.Batch.ConfigAttempts > 2 {
		errs = append(errs, fmt.Errorf("batch.config_attempts %d must be 1 or 2", c.Batch.ConfigAttempts))
	}
	switch c.Transport.Mode {
	case TransportDirect:
	case TransportSSH:
		if len(c.Transport.Hops) == 0 {
			errs = append(errs, errors.New("transport.hops is required for ssh mode"))
		}
		for i, hop := range c.Transport.Hops {
			if hop.Addr == "" || hop.User == "" {
				errs = append(errs, fmt.Errorf("transport.hops[%d] needs addr and user", i))
			}
			if hop.KnownHostsFile == "" && !hop.InsecureIgnoreHostKey {
				errs = append(errs, fmt.Errorf("transport.hops[%d] needs known_hosts_file or insecure_ignore_host_key", i))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("transport.mode %q is not supported", c.Transport.Mode))
	}
	if c.MinIO.Endpoint != "" && c.MinIO.Bucket == "" {
		errs = append(errs, errors.New("minio.bucket is required when minio.endpoint is set"))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	durationVar := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolVar := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	stringVar := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	intVar("NCSHOT_HTTP_PORT", &cfg.Server.Port)
	stringVar("NCSHOT_JWT_SECRET", &cfg.Auth.JWTSecret)
	stringVar("NCSHOT_JWT_AUDIENCE", &cfg.Auth.JWTAudience)
	stringVar("NCSHOT_JWT_ISSUER", &cfg.Auth.JWTIssuer)
	stringVar("NCSHOT_JWT_ROLE", &cfg.Auth.RequiredRole)
	stringVar("NCSHOT_HOST", &cfg.Recognition.Host)
	intVar("NCSHOT_PORT", &cfg.Recognition.Port)
	stringVar("NCSHOT_CONFIG_NAME", &cfg.Recognition.ConfigName)
	stringVar("NCSHOT_TOKEN_HEADER", &cfg.Recognition.TokenHeader)
	durationVar("NCSHOT_SUBMIT_TIMEOUT", &cfg.Recognition.Timeouts.Submit)
	intVar("NCSHOT_MAX_BATCH_SIZE", &cfg.Batch.MaxSize)
	stringVar("NCSHOT_TRANSPORT_MODE", &cfg.Transport.Mode)
	stringVar("NCSHOT_REDIS_ADDR", &cfg.Redis.Addr)
	stringVar("NCSHOT_REDIS_PASSWORD", &cfg.Redis.Password)
	stringVar("NCSHOT_MINIO_ENDPOINT", &cfg.MinIO.Endpoint)
	stringVar("NCSHOT_MINIO_ACCESS_KEY", &cfg.MinIO.AccessKey)
	stringVar("NCSHOT_MINIO_SECRET_KEY", &cfg.MinIO.SecretKey)
	stringVar("NCSHOT_MINIO_BUCKET", &cfg.MinIO.Bucket)
	boolVar("NCSHOT_MINIO_USE_SSL", &cfg.MinIO.UseSSL)
	stringVar("NCSHOT_LOG_LEVEL", &cfg.Logging.Level)

	return errors.Join(errs...)
}
