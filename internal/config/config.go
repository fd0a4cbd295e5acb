package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Addr      string `mapstructure:"ADDR"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	AuthEnable bool          `mapstructure:"AUTH_ENABLE"`
	JWTSecret  string        `mapstructure:"JWT_SECRET"`
	TokenTTL   time.Duration `mapstructure:"TOKEN_TTL"`

	MaxConcurrentTasks int     `mapstructure:"MAX_CONCURRENT_TASKS"`
	BatchSize          int     `mapstructure:"BATCH_SIZE"`
	MaxSegmentAttempts int     `mapstructure:"MAX_SEGMENT_ATTEMPTS"`
	FailedTaskRatio    float64 `mapstructure:"FAILED_TASK_RATIO"`
	AutoMerge          bool    `mapstructure:"AUTO_MERGE"`

	CredentialWaitTimeout  time.Duration `mapstructure:"CREDENTIAL_WAIT_TIMEOUT"`
	CredentialMaxInFlight  int           `mapstructure:"CREDENTIAL_MAX_IN_FLIGHT"`
	CooldownBase           time.Duration `mapstructure:"COOLDOWN_BASE"`
	CooldownMax            time.Duration `mapstructure:"COOLDOWN_MAX"`
	RetryBaseDelay         time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxDelay          time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	ProviderMaxConcurrency int           `mapstructure:"PROVIDER_MAX_CONCURRENCY"`
	UnavailableThreshold   int           `mapstructure:"UNAVAILABLE_THRESHOLD"`
	UnavailableWindow      time.Duration `mapstructure:"UNAVAILABLE_WINDOW"`

	StoreDriver   string `mapstructure:"STORE_DRIVER"`
	MySQLDSN      string `mapstructure:"MYSQL_DSN"`
	ProvidersFile string `mapstructure:"PROVIDERS_FILE"`

	FFBin               string        `mapstructure:"FF_BIN"`
	FFProbeBin          string        `mapstructure:"FF_PROBE_BIN"`
	FFTimeout           time.Duration `mapstructure:"FF_TIMEOUT"`
	FFExtraArgs         string        `mapstructure:"FF_EXTRA_ARGS"`
	OutputDir           string        `mapstructure:"OUTPUT_DIR"`
	BaseURL             string        `mapstructure:"BASE_URL"`
	MaxInputSize        int64         `mapstructure:"MAX_INPUT_SIZE"`
	ThrottleCPU         float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem     int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk    int64         `mapstructure:"THROTTLE_FREEDISK"`
	RemoteCompositorURL string        `mapstructure:"REMOTE_COMPOSITOR_URL"`

	DefaultLLMProvider    string `mapstructure:"DEFAULT_LLM_PROVIDER"`
	DefaultImageProvider  string `mapstructure:"DEFAULT_IMAGE_PROVIDER"`
	DefaultVideoProvider  string `mapstructure:"DEFAULT_VIDEO_PROVIDER"`
	DefaultTTSProvider    string `mapstructure:"DEFAULT_TTS_PROVIDER"`
	FallbackImageProvider string `mapstructure:"FALLBACK_IMAGE_PROVIDER"`
	FallbackVideoProvider string `mapstructure:"FALLBACK_VIDEO_PROVIDER"`
	FallbackTTSProvider   string `mapstructure:"FALLBACK_TTS_PROVIDER"`
}

func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable sizes such as "200MB" into int64 bytes.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("ADDR", ":8080")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "json")

	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("JWT_SECRET", "dev-change-me")
	vp.SetDefault("TOKEN_TTL", "24h")

	vp.SetDefault("MAX_CONCURRENT_TASKS", 20)
	vp.SetDefault("BATCH_SIZE", 6)
	vp.SetDefault("MAX_SEGMENT_ATTEMPTS", 3)
	vp.SetDefault("FAILED_TASK_RATIO", 0.0)
	vp.SetDefault("AUTO_MERGE", true)

	vp.SetDefault("CREDENTIAL_WAIT_TIMEOUT", "30s")
	vp.SetDefault("CREDENTIAL_MAX_IN_FLIGHT", 2)
	vp.SetDefault("COOLDOWN_BASE", "5s")
	vp.SetDefault("COOLDOWN_MAX", "5m")
	vp.SetDefault("RETRY_BASE_DELAY", "1s")
	vp.SetDefault("RETRY_MAX_DELAY", "30s")
	vp.SetDefault("PROVIDER_MAX_CONCURRENCY", 16)
	vp.SetDefault("UNAVAILABLE_THRESHOLD", 3)
	vp.SetDefault("UNAVAILABLE_WINDOW", "2m")

	vp.SetDefault("STORE_DRIVER", "memory")
	vp.SetDefault("MYSQL_DSN", "")
	vp.SetDefault("PROVIDERS_FILE", "providers.yaml")

	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FF_PROBE_BIN", "ffprobe")
	vp.SetDefault("FF_TIMEOUT", "20m")
	vp.SetDefault("FF_EXTRA_ARGS", "-movflags +faststart")
	vp.SetDefault("OUTPUT_DIR", "./data/output")
	vp.SetDefault("BASE_URL", "http://localhost:8080")
	vp.SetDefault("MAX_INPUT_SIZE", "200MB")
	vp.SetDefault("THROTTLE_CPU", 10.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "1GB")
	vp.SetDefault("REMOTE_COMPOSITOR_URL", "")

	vp.SetDefault("DEFAULT_LLM_PROVIDER", "mock-llm")
	vp.SetDefault("DEFAULT_IMAGE_PROVIDER", "mock-image")
	vp.SetDefault("DEFAULT_VIDEO_PROVIDER", "mock-video")
	vp.SetDefault("DEFAULT_TTS_PROVIDER", "mock-tts")
	vp.SetDefault("FALLBACK_IMAGE_PROVIDER", "")
	vp.SetDefault("FALLBACK_VIDEO_PROVIDER", "")
	vp.SetDefault("FALLBACK_TTS_PROVIDER", "")

	vp.SetConfigName("stv_longvideo")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/stv-longvideo/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("STV")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
