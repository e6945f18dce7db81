// config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting the service reads from the environment.
type Config struct {
	Port           string
	DatabaseURL    string
	GatewayToken   string
	AllowedOrigins []string

	// Game rules
	GridSize int
	StartX   int
	StartY   int
	MaxMoves int

	// Turn coordination
	TurnLeaseDuration       time.Duration
	MoveConfirmationTimeout time.Duration
	LockSweepInterval       time.Duration
	ReconcileInterval       time.Duration

	Ledger  LedgerConfig
	Redis   RedisConfig
	R2      R2Config
	Profile ProfileSyncConfig
}

// LedgerConfig points at the hunt contract on an EVM chain.
type LedgerConfig struct {
	RPCURL          string
	ChainID         int64
	ContractAddress string
	PrivateKey      string
}

// Enabled reports whether enough is configured to talk to the chain.
func (c LedgerConfig) Enabled() bool {
	return c.RPCURL != "" && c.ContractAddress != "" && c.PrivateKey != ""
}

// RedisConfig holds Redis pub/sub configuration. An empty Host keeps
// notifications in-process.
type RedisConfig struct {
	Host        string
	Port        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

func (c RedisConfig) Enabled() bool { return c.Host != "" }

// R2Config holds the object storage settings used for NFT artifacts.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	CDNBaseURL      string
}

func (c R2Config) Enabled() bool {
	return c.AccountID != "" && c.Bucket != "" && c.AccessKeyID != ""
}

// ProfileSyncConfig configures the optional user profile mirror.
type ProfileSyncConfig struct {
	BaseURL      string
	EndpointPath string
	Interval     time.Duration
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	cfg := &Config{
		Port:         getEnv("PORT", "5300"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		GatewayToken: os.Getenv("GAME_SERVICE_TOKEN"),

		GridSize: getEnvAsInt("GRID_SIZE", 10),
		StartX:   getEnvAsInt("START_X", 4),
		StartY:   getEnvAsInt("START_Y", 4),
		MaxMoves: getEnvAsInt("MAX_MOVES", 10),

		TurnLeaseDuration:       getEnvAsDuration("TURN_LEASE_DURATION", 75*time.Second),
		MoveConfirmationTimeout: getEnvAsDuration("MOVE_CONFIRMATION_TIMEOUT", 120*time.Second),
		LockSweepInterval:       getEnvAsDuration("LOCK_SWEEP_INTERVAL", 30*time.Second),
		ReconcileInterval:       getEnvAsDuration("RECONCILE_INTERVAL", time.Minute),

		Ledger: LedgerConfig{
			RPCURL:          os.Getenv("ETH_RPC_URL"),
			ChainID:         int64(getEnvAsInt("ETH_CHAIN_ID", 84532)),
			ContractAddress: os.Getenv("HUNT_CONTRACT_ADDRESS"),
			PrivateKey:      os.Getenv("ETH_PRIVATE_KEY"),
		},
		Redis: RedisConfig{
			Host:        os.Getenv("REDIS_HOST"),
			Port:        getEnv("REDIS_PORT", "6379"),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          getEnvAsInt("REDIS_DB", 0),
			PoolSize:    getEnvAsInt("REDIS_POOL_SIZE", 10),
			DialTimeout: getEnvAsDuration("REDIS_DIAL_TIMEOUT", 10*time.Second),
		},
		R2: R2Config{
			AccountID:       os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
			AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
			AccessKeySecret: os.Getenv("R2_ACCESS_KEY_SECRET"),
			Bucket:          os.Getenv("R2_BUCKET_NAME"),
			CDNBaseURL:      os.Getenv("CDN_BASE_URL"),
		},
		Profile: ProfileSyncConfig{
			BaseURL:      os.Getenv("PROFILE_SYNC_URL"),
			EndpointPath: getEnv("PROFILE_SYNC_PATH", "/api/v1/public/profiles"),
			Interval:     getEnvAsDuration("PROFILE_SYNC_INTERVAL", time.Minute),
		},
	}

	origins := getEnv("ALLOWED_ORIGINS", "http://localhost:3000")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the service cannot run without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable not set")
	}
	if c.GatewayToken == "" {
		return fmt.Errorf("GAME_SERVICE_TOKEN environment variable not set")
	}
	if c.GridSize < 2 {
		return fmt.Errorf("GRID_SIZE must be at least 2, got %d", c.GridSize)
	}
	if c.StartX < 0 || c.StartX >= c.GridSize || c.StartY < 0 || c.StartY >= c.GridSize {
		return fmt.Errorf("start position (%d,%d) is outside a %dx%d grid", c.StartX, c.StartY, c.GridSize, c.GridSize)
	}
	if c.MaxMoves < 1 {
		return fmt.Errorf("MAX_MOVES must be at least 1, got %d", c.MaxMoves)
	}
	// The contract stores the budget as a uint8.
	if c.MaxMoves > 255 {
		return fmt.Errorf("MAX_MOVES must be at most 255, got %d", c.MaxMoves)
	}
	if c.TurnLeaseDuration <= 0 {
		return fmt.Errorf("TURN_LEASE_DURATION must be positive")
	}
	return nil
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("[Config] Invalid integer value for %s: %s, using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("[Config] Invalid duration value for %s: %s, using default: %s", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
