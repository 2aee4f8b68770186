package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/config"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

// openDatabase connects to Postgres when DATABASE_URL is set and falls back
// to a local SQLite file otherwise.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, store.Dialect, error) {
	if !cfg.LiteMode() {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, store.Dialect{}, fmt.Errorf("failed to connect to DB: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, store.Dialect{}, fmt.Errorf("DB ping failed: %w", err)
		}
		log.Println("[connector] postgres: connected")
		return db, store.Postgres, nil
	}

	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, store.Dialect{}, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	log.Printf("[connector] lite mode: using sqlite at %s", cfg.SQLitePath)

	db, err := sql.Open("sqlite", "file:"+cfg.SQLitePath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, store.Dialect{}, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer; leases and transactions serialize on the single connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, store.Dialect{}, fmt.Errorf("sqlite ping failed: %w", err)
	}
	return db, store.SQLite, nil
}

// loadOrGenerateSeed reads the hex Ed25519 seed at path, creating it on
// first start.
func loadOrGenerateSeed(path string) ([]byte, error) {
	if raw, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("invalid signing key %s: %w", path, err)
		}
		log.Printf("[connector] identity: loaded signing key from %s", path)
		return seed, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create key dir: %w", err)
		}
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	seed := priv.Seed()
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, fmt.Errorf("failed to save signing key: %w", err)
	}
	log.Printf("[connector] identity: generated new signing key at %s", path)
	return seed, nil
}
