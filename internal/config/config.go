package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	CouchDB   CouchDBConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Admin     AdminConfig
	WebSocket WebSocketConfig
	Board     BoardConfig
	CORS      CORSConfig
}

type ServerConfig struct {
	Port string
	Host string
	Env  string
}

// DatabaseConfig selects the operation store. Driver is one of memory,
// postgres or sqlite.
type DatabaseConfig struct {
	Driver     string
	Host       string
	Port       string
	User       string
	Password   string
	Name       string
	SSLMode    string
	SQLitePath string
}

// CouchDBConfig selects the snapshot store. Driver is memory or couchdb.
type CouchDBConfig struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PresenceTTL time.Duration
}

type JWTConfig struct {
	Secret string
}

type AdminConfig struct {
	KeyHash string
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxConnPerUser  int
}

type BoardConfig struct {
	BatchWorkers     int
	BatchTimeout     time.Duration
	MaxGroupSize     int
	RecentWindow     int
	DedupWindow      time.Duration
	DedupCapacity    int
	DedupProtect     time.Duration
	ConflictDistance float64
	ConflictWindow   time.Duration
	PresenceTimeout  time.Duration
	ReaperInterval   time.Duration
	StateIdleTTL     time.Duration
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("ENV", "development")

	v.SetDefault("OPERATION_STORE", "memory")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "ultraboard")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("SQLITE_PATH", "ultraboard.sqlite3")

	v.SetDefault("SNAPSHOT_STORE", "memory")
	v.SetDefault("COUCHDB_HOST", "localhost")
	v.SetDefault("COUCHDB_PORT", "5984")
	v.SetDefault("COUCHDB_USER", "admin")
	v.SetDefault("COUCHDB_PASSWORD", "password")
	v.SetDefault("COUCHDB_NAME", "ultraboard")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PRESENCE_TTL", "2m")

	v.SetDefault("JWT_SECRET", "dev-secret-change-in-production")
	v.SetDefault("ADMIN_KEY_HASH", "")

	v.SetDefault("WS_READ_BUFFER_SIZE", 4096)
	v.SetDefault("WS_WRITE_BUFFER_SIZE", 4096)
	v.SetDefault("WS_MAX_MESSAGE_SIZE", 1<<20)
	v.SetDefault("WS_WRITE_WAIT", "10s")
	v.SetDefault("WS_PONG_WAIT", "60s")
	v.SetDefault("WS_PING_PERIOD", "54s")
	v.SetDefault("WS_MAX_CONN_PER_USER", 5)

	v.SetDefault("BATCH_WORKERS", 32)
	v.SetDefault("BATCH_TIMEOUT", "10s")
	v.SetDefault("BATCH_MAX_GROUP_SIZE", 100)
	v.SetDefault("RECENT_WINDOW", 100)
	v.SetDefault("DEDUP_WINDOW", "10m")
	v.SetDefault("DEDUP_CAPACITY", 20000)
	v.SetDefault("DEDUP_PROTECT_WINDOW", "1s")
	v.SetDefault("CONFLICT_DISTANCE", 10.0)
	v.SetDefault("CONFLICT_WINDOW", "1s")
	v.SetDefault("PRESENCE_TIMEOUT", "90s")
	v.SetDefault("REAPER_INTERVAL", "15s")
	v.SetDefault("STATE_IDLE_TTL", "30m")

	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS")
	v.SetDefault("CORS_ALLOWED_HEADERS", "Content-Type,Authorization,X-Admin-Key")
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[Config] no .env file found, using environment variables")
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetString("PORT"),
			Host: v.GetString("HOST"),
			Env:  v.GetString("ENV"),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(v.GetString("OPERATION_STORE")),
			Host:       v.GetString("DB_HOST"),
			Port:       v.GetString("DB_PORT"),
			User:       v.GetString("DB_USER"),
			Password:   v.GetString("DB_PASSWORD"),
			Name:       v.GetString("DB_NAME"),
			SSLMode:    v.GetString("DB_SSLMODE"),
			SQLitePath: v.GetString("SQLITE_PATH"),
		},
		CouchDB: CouchDBConfig{
			Driver:   strings.ToLower(v.GetString("SNAPSHOT_STORE")),
			Host:     v.GetString("COUCHDB_HOST"),
			Port:     v.GetString("COUCHDB_PORT"),
			User:     v.GetString("COUCHDB_USER"),
			Password: v.GetString("COUCHDB_PASSWORD"),
			Name:     v.GetString("COUCHDB_NAME"),
		},
		Redis: RedisConfig{
			Addr:        v.GetString("REDIS_ADDR"),
			Password:    v.GetString("REDIS_PASSWORD"),
			DB:          v.GetInt("REDIS_DB"),
			PresenceTTL: v.GetDuration("REDIS_PRESENCE_TTL"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("JWT_SECRET"),
		},
		Admin: AdminConfig{
			KeyHash: v.GetString("ADMIN_KEY_HASH"),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  v.GetInt("WS_READ_BUFFER_SIZE"),
			WriteBufferSize: v.GetInt("WS_WRITE_BUFFER_SIZE"),
			MaxMessageSize:  v.GetInt64("WS_MAX_MESSAGE_SIZE"),
			WriteWait:       v.GetDuration("WS_WRITE_WAIT"),
			PongWait:        v.GetDuration("WS_PONG_WAIT"),
			PingPeriod:      v.GetDuration("WS_PING_PERIOD"),
			MaxConnPerUser:  v.GetInt("WS_MAX_CONN_PER_USER"),
		},
		Board: BoardConfig{
			BatchWorkers:     v.GetInt("BATCH_WORKERS"),
			BatchTimeout:     v.GetDuration("BATCH_TIMEOUT"),
			MaxGroupSize:     v.GetInt("BATCH_MAX_GROUP_SIZE"),
			RecentWindow:     v.GetInt("RECENT_WINDOW"),
			DedupWindow:      v.GetDuration("DEDUP_WINDOW"),
			DedupCapacity:    v.GetInt("DEDUP_CAPACITY"),
			DedupProtect:     v.GetDuration("DEDUP_PROTECT_WINDOW"),
			ConflictDistance: v.GetFloat64("CONFLICT_DISTANCE"),
			ConflictWindow:   v.GetDuration("CONFLICT_WINDOW"),
			PresenceTimeout:  v.GetDuration("PRESENCE_TIMEOUT"),
			ReaperInterval:   v.GetDuration("REAPER_INTERVAL"),
			StateIdleTTL:     v.GetDuration("STATE_IDLE_TTL"),
		},
		CORS: CORSConfig{
			AllowedOrigins: v.GetString("CORS_ALLOWED_ORIGINS"),
			AllowedMethods: v.GetString("CORS_ALLOWED_METHODS"),
			AllowedHeaders: v.GetString("CORS_ALLOWED_HEADERS"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid OPERATION_STORE %q", c.Database.Driver)
	}
	switch c.CouchDB.Driver {
	case "memory", "couchdb":
	default:
		return fmt.Errorf("invalid SNAPSHOT_STORE %q", c.CouchDB.Driver)
	}
	if c.Board.BatchWorkers <= 0 {
		return fmt.Errorf("BATCH_WORKERS must be positive, got %d", c.Board.BatchWorkers)
	}
	if c.Board.MaxGroupSize <= 0 {
		return fmt.Errorf("BATCH_MAX_GROUP_SIZE must be positive, got %d", c.Board.MaxGroupSize)
	}
	if c.Board.BatchTimeout <= 0 {
		return fmt.Errorf("BATCH_TIMEOUT must be positive")
	}
	if c.Board.DedupProtect > c.Board.DedupWindow {
		return fmt.Errorf("DEDUP_PROTECT_WINDOW (%s) must not exceed DEDUP_WINDOW (%s)", c.Board.DedupProtect, c.Board.DedupWindow)
	}
	if c.Server.Env == "production" && c.JWT.Secret == "dev-secret-change-in-production" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	return nil
}
