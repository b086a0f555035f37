package main

import (
	"flag"
	"os"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	ShowVersion bool
	Validate    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("BUZZVAR_CONFIG", ""),
		"Path to configuration file (env: BUZZVAR_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("BUZZVAR_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: BUZZVAR_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("BUZZVAR_LOG_FORMAT", "json"),
		"Log format: json, text (env: BUZZVAR_LOG_FORMAT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Parse()
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
