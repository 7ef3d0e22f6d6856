package config

import "os"

// Config holds the daemon's environment-driven configuration. Tunables that
// ship with a deployment live in the kernel profile YAML instead.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string
	DataDir     string
	ProfilePath string
	ManifestDir string
}

// Load reads configuration from environment variables, falling back to
// development defaults.
func Load() *Config {
	port := os.Getenv("FORGE_PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("FORGE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dataDir := os.Getenv("FORGE_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	manifestDir := os.Getenv("FORGE_MANIFEST_DIR")
	if manifestDir == "" {
		manifestDir = "overlays"
	}

	return &Config{
		Port:        port,
		LogLevel:    logLevel,
		DatabaseURL: os.Getenv("FORGE_DATABASE_URL"),
		SQLitePath:  os.Getenv("FORGE_SQLITE_PATH"),
		RedisAddr:   os.Getenv("FORGE_REDIS_ADDR"),
		DataDir:     dataDir,
		ProfilePath: os.Getenv("FORGE_PROFILE"),
		ManifestDir: manifestDir,
	}
}
