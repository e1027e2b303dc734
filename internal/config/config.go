package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the YAML config file.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML. Secrets may be
// overridden by environment variables.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	LocalDBPath string `yaml:"localDBPath"`
	DiaryDBURL  string `yaml:"diaryDatabaseURL"`

	GeminiAPIKey       string `yaml:"geminiAPIKey"`
	GenerationModel    string `yaml:"generationModel"`
	Persona            string `yaml:"persona"`
	HistoryTurns       int    `yaml:"historyTurns"`
	StreamStallTimeout string `yaml:"streamStallTimeout"`

	SweepConcurrency int `yaml:"sweepConcurrency"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	RedisAddr       string `yaml:"redisAddr"`
	RedisPassword   string `yaml:"redisPassword"`
	RateLimitPerMin int    `yaml:"rateLimitPerMin"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("DIARY_DATABASE_URL"); v != "" {
		cfg.DiaryDBURL = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseJWTLeeway converts the configured leeway string to a duration.
// Empty input selects the verifier default.
func ParseJWTLeeway(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse jwtLeeway: %w", err)
	}
	return d, nil
}

// ParseStreamStallTimeout converts the configured stall bound to a
// duration. Empty input disables the bound.
func ParseStreamStallTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse streamStallTimeout: %w", err)
	}
	return d, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.LocalDBPath == "" {
		return errors.New("config: localDBPath is required (set in config.yaml)")
	}
	if cfg.DiaryDBURL == "" {
		return errors.New("config: diaryDatabaseURL is required (set in config.yaml)")
	}
	if cfg.GeminiAPIKey == "" {
		return errors.New("config: geminiAPIKey is required (set GEMINI_API_KEY)")
	}
	if cfg.GenerationModel == "" {
		return errors.New("config: generationModel is required (set in config.yaml)")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: jwtSecret is required (set JWT_SECRET)")
	}
	return nil
}
