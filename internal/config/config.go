package config

import (
	"encoding/hex"
	"fmt"
	"os"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	AppSecret   string
	// RecoveryKeys maps key ID -> 32-byte recovery key used to open secret
	// escrow wrappers during finalize.
	RecoveryKeys map[string][]byte
	// ActiveRecoveryKeyID names the key new escrow wrappers are sealed under
	ActiveRecoveryKeyID string
	DevMode             bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:                "8080", // default port
		ActiveRecoveryKeyID: "v1",
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	appSecret := os.Getenv("APP_SECRET")
	if appSecret == "" {
		return nil, fmt.Errorf("APP_SECRET environment variable is required")
	}
	cfg.AppSecret = appSecret

	// RECOVERY_MASTER_KEY: hex-encoded 32-byte key, key ID RECOVERY_KEY_ID
	// (default "v1"). Rotation adds a new ID while old escrow wrappers keep
	// referencing the key that sealed them.
	masterKeyHex := os.Getenv("RECOVERY_MASTER_KEY")
	if masterKeyHex == "" {
		return nil, fmt.Errorf("RECOVERY_MASTER_KEY environment variable is required")
	}
	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("RECOVERY_MASTER_KEY must be hex: %w", err)
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("RECOVERY_MASTER_KEY must be 32 bytes, got %d", len(masterKey))
	}
	if keyID := os.Getenv("RECOVERY_KEY_ID"); keyID != "" {
		cfg.ActiveRecoveryKeyID = keyID
	}
	cfg.RecoveryKeys = map[string][]byte{cfg.ActiveRecoveryKeyID: masterKey}

	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	return cfg, nil
}
