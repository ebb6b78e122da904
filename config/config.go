package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config stores the application configuration.
type Config struct {
	HTTPAddr string

	// MySQL
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MinIO / S3 compatible object storage
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	PresignExpiry  time.Duration

	// CDNOrigin is prepended to a storage key to build the public URL.
	CDNOrigin  string
	OwnerScope string // e.g. "user-uploads"

	// Narration provider
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	OpenAITimeout    time.Duration
	OpenAIMaxRetries int
	DefaultVoice     string
	FallbackVoice    string

	// Encoding tool
	FFmpegPath   string
	AudioBitrate string // e.g., "192k"
	MixTimeout   time.Duration
	ScratchDir   string

	// Orchestration and dispatch
	GenerateConcurrency int
	QueueConcurrency    int
	CallbackBaseURL     string
	CallbackSecret      string

	// BatchStaleAfter is how long an in-flight batch may go without progress before
	// a new start for the same owner fails it.
	BatchStaleAfter time.Duration

	// Logging
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// Variant presets, overridable from the YAML file.
	VariantPresets map[string]VolumePreset
	BackgroundURL  string
}

// VolumePreset holds the default voice/background gains for a variant.
type VolumePreset struct {
	Voice      float64 `yaml:"voice"`
	Background float64 `yaml:"background"`
}

// fileConfig is the optional YAML overlay pointed to by CONFIG_FILE.
type fileConfig struct {
	Variants      map[string]VolumePreset `yaml:"variants"`
	BackgroundURL string                  `yaml:"background_url"`
}

// DefaultVariantPresets returns the built-in voice/background gains.
func DefaultVariantPresets() map[string]VolumePreset {
	return map[string]VolumePreset{
		"standard":   {Voice: 0.7, Background: 0.3},
		"sleep":      {Voice: 0.3, Background: 0.7},
		"meditation": {Voice: 0.5, Background: 0.5},
		"energy":     {Voice: 0.8, Background: 0.2},
	}
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	cfg := &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "narrato"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "narrato-media"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-2"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		PresignExpiry:  getEnvDuration("PRESIGN_EXPIRY", time.Hour),

		CDNOrigin:  strings.TrimRight(getEnv("CDN_ORIGIN", "http://127.0.0.1:9000/narrato-media"), "/"),
		OwnerScope: getEnv("OWNER_SCOPE", "user-uploads"),

		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:      getEnv("OPENAI_TTS_MODEL", "tts-1"),
		OpenAITimeout:    getEnvDuration("OPENAI_TIMEOUT", 2*time.Minute),
		OpenAIMaxRetries: getEnvInt("OPENAI_MAX_RETRIES", 0),
		DefaultVoice:     getEnv("DEFAULT_VOICE", "alloy"),
		FallbackVoice:    getEnv("FALLBACK_VOICE", "verse"),

		FFmpegPath:   getEnv("FFMPEG_PATH", "ffmpeg"),
		AudioBitrate: getEnv("AUDIO_BITRATE", "192k"),
		MixTimeout:   getEnvDuration("MIX_TIMEOUT", 10*time.Minute),
		ScratchDir:   getEnv("SCRATCH_DIR", os.TempDir()),

		GenerateConcurrency: getEnvInt("GENERATE_CONCURRENCY", 1),
		QueueConcurrency:    getEnvInt("QUEUE_CONCURRENCY", 4),
		BatchStaleAfter:     getEnvDuration("BATCH_STALE_AFTER", 30*time.Minute),
		CallbackBaseURL:     strings.TrimRight(getEnv("CALLBACK_BASE_URL", "http://127.0.0.1:8080"), "/"),
		CallbackSecret:      os.Getenv("CALLBACK_SECRET"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),

		VariantPresets: DefaultVariantPresets(),
		BackgroundURL:  getEnv("BACKGROUND_URL", ""),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			log.Printf("Ignoring config file %s: %v", path, err)
		}
	}
	return cfg
}

// applyFile overlays variant presets and the default background track from a YAML file.
func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	for name, preset := range fc.Variants {
		c.VariantPresets[strings.ToLower(name)] = preset
	}
	if fc.BackgroundURL != "" && c.BackgroundURL == "" {
		c.BackgroundURL = fc.BackgroundURL
	}
	return nil
}

// RedisAddr returns host:port for the Redis server.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}
