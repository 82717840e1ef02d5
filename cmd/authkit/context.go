package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/d-kuro/authkit"
	"github.com/d-kuro/authkit/internal/logging"
)

type globalFlags struct {
	configPath string
	baseURL    string
	logLevel   string
	logFormat  string
	json       bool
}

type commandContext struct {
	flags  *globalFlags
	getenv func(string) string

	clientOnce sync.Once
	client     *authkit.Client
	clientErr  error
	closeStore func() error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags, getenv: os.Getenv}
}

// ensureClient loads configuration, opens the session store and restores any
// persisted session. It runs once per process.
func (c *commandContext) ensureClient(ctx context.Context) (*authkit.Client, error) {
	c.clientOnce.Do(func() {
		c.client, c.clientErr = c.buildClient(ctx)
	})
	return c.client, c.clientErr
}

func (c *commandContext) buildClient(ctx context.Context) (*authkit.Client, error) {
	path := strings.TrimSpace(c.flags.configPath)
	if path == "" {
		defaultPath, err := authkit.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	fc, err := authkit.LoadConfigFile(path)
	if err != nil {
		return nil, err
	}
	fc.ApplyEnv(c.getenv)
	if c.flags.baseURL != "" {
		fc.BaseURL = c.flags.baseURL
	}
	if c.flags.logLevel != "" {
		fc.Log.Level = c.flags.logLevel
	}
	if c.flags.logFormat != "" {
		fc.Log.Format = c.flags.logFormat
	}

	logger, err := logging.New(logging.Options{Level: fc.Log.Level, Format: fc.Log.Format})
	if err != nil {
		return nil, err
	}

	store, closeStore, err := fc.Storage.Open(ctx)
	if err != nil {
		return nil, err
	}
	c.closeStore = closeStore

	opts, err := fc.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, authkit.WithCredentialStore(store), authkit.WithLogger(logger))

	client, err := authkit.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Restore(ctx); err != nil {
		logger.WarnContext(ctx, "ignoring unreadable session", "error", err)
	}
	return client, nil
}

func (c *commandContext) close() error {
	if c.closeStore == nil {
		return nil
	}
	err := c.closeStore()
	c.closeStore = nil
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
