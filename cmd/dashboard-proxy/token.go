package main

import (
	"context"
	"fmt"
	"time"

	"dashboard-proxy/internal/auth"
	"dashboard-proxy/internal/config"
	"dashboard-proxy/internal/store"
)

const tokenCommandTimeout = 10 * time.Second

// openPersistentStore opens the configured credential store for the admin
// commands. The in-memory backend would lose the write on exit.
func openPersistentStore(cli *config.CLI) (*config.Config, store.TokenStore, error) {
	cfg, err := config.Load(cli)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Auth.Store.Backend == "memory" {
		return nil, nil, fmt.Errorf("token commands need a persistent store; set auth.store.backend to redis or sqlite")
	}
	st, err := store.New(cfg, newLogger(cfg))
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func runTokenPut(cli *config.CLI) error {
	put := cli.Token.Put
	if put.TTL < 0 {
		return fmt.Errorf("--ttl must be non-negative; got %s", put.TTL)
	}

	cfg, st, err := openPersistentStore(cli)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), tokenCommandTimeout)
	defer cancel()

	if err := st.Put(ctx, put.Session, put.Token, put.TTL); err != nil {
		return fmt.Errorf("store token: %w", err)
	}

	newLogger(cfg).Info("stored session token",
		"backend", cfg.Auth.Store.Backend,
		"session", auth.MaskID(put.Session),
		"token", auth.MaskToken(put.Token),
		"ttl", put.TTL.String(),
	)
	return nil
}

func runTokenDelete(cli *config.CLI) error {
	cfg, st, err := openPersistentStore(cli)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), tokenCommandTimeout)
	defer cancel()

	if err := st.Delete(ctx, cli.Token.Delete.Session); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}

	newLogger(cfg).Info("deleted session token",
		"backend", cfg.Auth.Store.Backend,
		"session", auth.MaskID(cli.Token.Delete.Session),
	)
	return nil
}
