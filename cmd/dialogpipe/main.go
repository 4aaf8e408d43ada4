package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/dialogpipe/dialogpipe/internal/api"
	"github.com/dialogpipe/dialogpipe/internal/lockfile"
	"github.com/dialogpipe/dialogpipe/internal/memory"
	"github.com/dialogpipe/dialogpipe/internal/nlu"
	"github.com/dialogpipe/dialogpipe/internal/store"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for DialogPipe state data
	DefaultStateDir = "/var/lib/dialogpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "dialogpipe.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Guard file-based state directories against concurrent instances
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		lock, err := lockfile.AcquireLock(filepath.Dir(*flags.dbDSN))
		if err != nil {
			slog.Error("Failed to acquire state directory lock", "error", err)
			os.Exit(1)
		}
		defer lock.Release()
	}

	// Build module options
	storeOpts := buildStoreOptions(flags)
	memoryOpts := buildMemoryOptions(flags)
	nluOpts := buildNLUOptions(flags)
	apiOpts := buildAPIOptions(flags)

	// Start the service
	slog.Info("Bootstrapping DialogPipe with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "memory", len(memoryOpts), "nlu", len(nluOpts), "api", len(apiOpts))
	if err := api.Run(storeOpts, memoryOpts, nluOpts, apiOpts); err != nil {
		slog.Error("DialogPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("DialogPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	RedisURL    string
	RedisTTL    string
	StateDir    string
	OpenAIKey   string
	OpenAIModel string
	APIAddr     string
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	redisURL    *string
	redisTTL    *string
	openaiKey   *string
	openaiModel *string
	apiAddr     *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("MEMORY_REDIS_URL"),
		RedisTTL:    os.Getenv("MEMORY_REDIS_TTL"),
		StateDir:    os.Getenv("DIALOGPIPE_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),
		APIAddr:     os.Getenv("API_ADDR"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No DIALOGPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("DIALOGPIPE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"MEMORY_REDIS_URL_SET", config.RedisURL != "",
		"DIALOGPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for DialogPipe data (overrides $DIALOGPIPE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN for the config store and conversation memory (overrides $DATABASE_URL)"),
		redisURL:    flag.String("redis-url", config.RedisURL, "Redis URL for conversation memory (overrides $MEMORY_REDIS_URL)"),
		redisTTL:    flag.String("redis-ttl", config.RedisTTL, "Redis conversation state TTL, e.g. 72h (overrides $MEMORY_REDIS_TTL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for the NLU pipeline (overrides $OPENAI_API_KEY)"),
		openaiModel: flag.String("openai-model", config.OpenAIModel, "OpenAI model for the NLU pipeline (overrides $OPENAI_MODEL)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"redisURL_set", *flags.redisURL != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	// Ensure state directory exists if we're using a file-based DSN
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
		slog.Debug("State directory created successfully", "state_dir", stateDir)
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildMemoryOptions constructs conversation memory configuration options
func buildMemoryOptions(flags Flags) []memory.Option {
	var memoryOpts []memory.Option
	if *flags.redisURL != "" {
		slog.Debug("Configuring Redis conversation memory", "redis_url_set", true)
		memoryOpts = append(memoryOpts, memory.WithRedisURL(*flags.redisURL))
		if *flags.redisTTL != "" {
			ttl, err := time.ParseDuration(*flags.redisTTL)
			if err != nil {
				slog.Warn("Invalid redis TTL, states will not expire", "value", *flags.redisTTL, "error", err)
			} else {
				memoryOpts = append(memoryOpts, memory.WithTTL(ttl))
			}
		}
	} else if *flags.dbDSN != "" {
		slog.Debug("Configuring database conversation memory", "dsn_set", true)
		memoryOpts = append(memoryOpts, memory.WithDSN(*flags.dbDSN))
	} else {
		slog.Debug("No memory backend configured, will use in-memory saver")
	}
	return memoryOpts
}

// buildNLUOptions constructs NLU pipeline configuration options
func buildNLUOptions(flags Flags) []nlu.Option {
	var nluOpts []nlu.Option
	if *flags.openaiKey != "" {
		nluOpts = append(nluOpts, nlu.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		nluOpts = append(nluOpts, nlu.WithModel(*flags.openaiModel))
	}
	return nluOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
