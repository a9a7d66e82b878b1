package database

import (
	"database/sql"
	"fmt"
)

// DefaultUpstreamServers are the default healthy upstream DNS servers
// used when a fresh database is initialized without a prior config.
var DefaultUpstreamServers = []string{
	"9.9.9.9", // Quad9
	"1.1.1.1", // Cloudflare
	"8.8.8.8", // Google
}

// InitDefaults populates the database with default configuration values.
// This is called on first database creation to ensure all config keys exist.
// It only inserts values if they don't already exist (won't overwrite).
func (db *DB) InitDefaults() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM config").Scan(&count); err != nil {
		return fmt.Errorf("failed to check config count: %w", err)
	}
	if count > 0 {
		return nil
	}

	if err := initServerDefaults(tx); err != nil {
		return err
	}
	if err := initUpstreamDefaults(tx); err != nil {
		return err
	}
	if err := initLoggingDefaults(tx); err != nil {
		return err
	}
	if err := initRateLimitDefaults(tx); err != nil {
		return err
	}
	if err := initAPIDefaults(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func initServerDefaults(tx *sql.Tx) error {
	return insertDefaults(tx, map[string]string{
		ConfigKeyServerHost:      "0.0.0.0",
		ConfigKeyServerPort:      "53",
		ConfigKeyServerVerbose:   "false",
		ConfigKeyServerEnableTCP: "true",
	})
}

func initUpstreamDefaults(tx *sql.Tx) error {
	if err := insertDefaults(tx, map[string]string{
		ConfigKeyUpstreamTimeoutMs: "2000",
	}); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO upstream_servers (address, poisoned, healthy, priority)
		VALUES (?, 0, 1, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upstream insert: %w", err)
	}
	defer stmt.Close()

	for i, server := range DefaultUpstreamServers {
		if _, err := stmt.Exec(server, i); err != nil {
			return fmt.Errorf("failed to insert default upstream %s: %w", server, err)
		}
	}

	return nil
}

func initLoggingDefaults(tx *sql.Tx) error {
	return insertDefaults(tx, map[string]string{
		ConfigKeyLoggingLevel:            "INFO",
		ConfigKeyLoggingStructured:       "false",
		ConfigKeyLoggingStructuredFormat: "json",
		ConfigKeyLoggingIncludePID:       "false",
	})
}

func initRateLimitDefaults(tx *sql.Tx) error {
	return insertDefaults(tx, map[string]string{
		ConfigKeyRateLimitCleanupSeconds:   "60.0",
		ConfigKeyRateLimitMaxIPEntries:     "65536",
		ConfigKeyRateLimitMaxPrefixEntries: "16384",
		ConfigKeyRateLimitGlobalQPS:        "100000.0",
		ConfigKeyRateLimitGlobalBurst:      "100000",
		ConfigKeyRateLimitPrefixQPS:        "10000.0",
		ConfigKeyRateLimitPrefixBurst:      "20000",
		ConfigKeyRateLimitIPQPS:            "5000.0",
		ConfigKeyRateLimitIPBurst:          "10000",
	})
}

func initAPIDefaults(tx *sql.Tx) error {
	return insertDefaults(tx, map[string]string{
		ConfigKeyAPIEnabled: "true",
		ConfigKeyAPIHost:    "127.0.0.1",
		ConfigKeyAPIPort:    "8080",
		ConfigKeyAPIKey:     "",
	})
}

// insertDefaults inserts config values only if they don't exist.
func insertDefaults(tx *sql.Tx, defaults map[string]string) error {
	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare config insert: %w", err)
	}
	defer stmt.Close()

	for key, value := range defaults {
		if _, err := stmt.Exec(key, value); err != nil {
			return fmt.Errorf("failed to insert default %s: %w", key, err)
		}
	}

	return nil
}

// IsInitialized checks if the database has been initialized with defaults.
func (db *DB) IsInitialized() (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM config").Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check config count: %w", err)
	}

	return count > 0, nil
}
