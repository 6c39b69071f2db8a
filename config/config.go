package config

import (
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var log = logging.Logger("config")

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	TokenTTL       time.Duration
	DatabasePath   string
	HistoryLimit   int
	LogLevel       string
	ICEServers     []string
	Redis          RedisConfig
	Caller         CallerConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// CallerConfig configures the headless call peer in cmd/caller.
type CallerConfig struct {
	ServerURL   string
	Room        string
	Username    string
	Password    string
	DisplayName string
	MediaSource string // "microphone" or "silence"

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepAliveInterval   time.Duration
}

// Load reads configuration from the environment, after loading the dotenv
// file named by ENV_FILE (default ".env") if one exists.
func Load() *Config {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Fatalf("config.godotenv(%s): %v", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("JWT_SECRET", "change-me-in-production")
	v.SetDefault("TOKEN_TTL", 24*time.Hour)
	v.SetDefault("DATABASE_PATH", "peercall.db")
	v.SetDefault("HISTORY_LIMIT", 100)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ICE_SERVERS", "stun:stun.l.google.com:19302,stun:global.stun.twilio.com:3478")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("SERVER_URL", "http://localhost:8080")
	v.SetDefault("CALLER_ROOM", "lobby")
	v.SetDefault("CALLER_USERNAME", "")
	v.SetDefault("CALLER_PASSWORD", "")
	v.SetDefault("CALLER_DISPLAY_NAME", "")
	v.SetDefault("MEDIA_SOURCE", "silence")
	v.SetDefault("ICE_DISCONNECTED_TIMEOUT", 5*time.Second)
	v.SetDefault("ICE_FAILED_TIMEOUT", 25*time.Second)
	v.SetDefault("ICE_KEEPALIVE_INTERVAL", 2*time.Second)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Port:           v.GetString("PORT"),
		Environment:    v.GetString("ENVIRONMENT"),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		JWTSecret:      v.GetString("JWT_SECRET"),
		TokenTTL:       v.GetDuration("TOKEN_TTL"),
		DatabasePath:   v.GetString("DATABASE_PATH"),
		HistoryLimit:   v.GetInt("HISTORY_LIMIT"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		ICEServers:     splitList(v.GetString("ICE_SERVERS")),
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Caller: CallerConfig{
			ServerURL:   v.GetString("SERVER_URL"),
			Room:        v.GetString("CALLER_ROOM"),
			Username:    v.GetString("CALLER_USERNAME"),
			Password:    v.GetString("CALLER_PASSWORD"),
			DisplayName: v.GetString("CALLER_DISPLAY_NAME"),
			MediaSource: v.GetString("MEDIA_SOURCE"),

			ICEDisconnectedTimeout: v.GetDuration("ICE_DISCONNECTED_TIMEOUT"),
			ICEFailedTimeout:       v.GetDuration("ICE_FAILED_TIMEOUT"),
			ICEKeepAliveInterval:   v.GetDuration("ICE_KEEPALIVE_INTERVAL"),
		},
	}
}

// splitList parses a comma-separated value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
