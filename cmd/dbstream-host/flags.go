package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	ListenAddr  string
	Path        string
	LogLevel    string
	LogFormat   string
	Debug       bool
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("DBSTREAM_CONFIG", ""),
		"Path to configuration file, empty for defaults (env: DBSTREAM_CONFIG)")

	flag.StringVar(&cfg.ListenAddr, "listen",
		getEnv("DBSTREAM_HOST_LISTEN", ":7171"),
		"Listen address for the isolation endpoint (env: DBSTREAM_HOST_LISTEN)")

	flag.StringVar(&cfg.Path, "path",
		getEnv("DBSTREAM_HOST_PATH", "/native"),
		"HTTP path serving the websocket endpoint (env: DBSTREAM_HOST_PATH)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("DBSTREAM_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: DBSTREAM_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("DBSTREAM_LOG_FORMAT", "json"),
		"Log format: json, text (env: DBSTREAM_LOG_FORMAT)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("DBSTREAM_DEBUG", false),
		"Enable debug mode (env: DBSTREAM_DEBUG)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp
	flag.Parse()

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - isolation host for the dbstream native driver

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with defaults (listens on :7171)
  %s

  # Run with a config file and debug logging
  %s --config=/etc/dbstream/host.yaml --log-level=debug --log-format=text

  # Validate configuration only
  %s --config=/etc/dbstream/host.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
