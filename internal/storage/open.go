package storage

import (
	"context"
	"fmt"

	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/config"
	"github.com/dgellow/area/internal/crypto"
)

// Open builds the backend selected by cfg and seeds it from the rules file if one is configured
func Open(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	store, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.RulesFile != "" {
		rules, err := LoadRulesFile(cfg.RulesFile)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		if err := SeedRules(ctx, store, rules); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seeding rules: %w", err)
		}
	}
	return store, nil
}

func openBackend(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	if cfg.Kind == config.StorageMemory {
		internal.LogWarnWithFields("storage", "Using in-memory storage, credentials and cursors are lost on restart", nil)
		return NewMemoryStorage(), nil
	}

	key, err := crypto.ParseKey(cfg.EncryptionKey.String())
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	encryptor, err := crypto.NewEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	switch cfg.Kind {
	case config.StorageSQLite:
		return NewSQLiteStorage(cfg.Path, encryptor)
	case config.StoragePostgres:
		return NewPostgresStorage(ctx, cfg.DSN.String(), encryptor)
	case config.StorageFirestore:
		idKey := []byte(crypto.SignData("document-ids", key))
		return NewFirestoreStorage(ctx, cfg.GCPProject, cfg.FirestoreDatabase, cfg.FirestoreCollection, encryptor, idKey)
	default:
		return nil, fmt.Errorf("unknown storage kind: %s", cfg.Kind)
	}
}
