package main

import (
	"fmt"
	"os"

	chatsync "github.com/Mukeshsilwal/krishi-bazaar-nepal-sub001"
	"go.uber.org/zap"
)

// getGateway creates an authenticated REST gateway from the stored config.
func getGateway() *chatsync.Gateway {
	cfg := requireAuth()

	var opts []chatsync.GatewayOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewGateway(cfg.Auth.Token, opts...)
}

// getSession wires a full engine session (gateway + push transport) from the
// stored config. Engine tunables come from CHATSYNC_* env vars on top of the
// built-in defaults; the CLI config supplies the endpoints and credentials.
func getSession(verbose bool) (*chatsync.Session, chatsync.Transport, chatsync.Credentials) {
	cfg := requireAuth()

	engineCfg, err := chatsync.LoadConfig("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load engine config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL != "" {
		engineCfg.BaseURL = cfg.Default.BaseURL
	}
	if cfg.Default.WSURL != "" {
		engineCfg.WSURL = cfg.Default.WSURL
	}
	if cfg.Default.Transport != "" {
		engineCfg.Transport = cfg.Default.Transport
	}

	log := zap.NewNop().Sugar()
	if verbose {
		dev, err := zap.NewDevelopment()
		if err == nil {
			log = dev.Sugar()
		}
	}

	gw := chatsync.NewGateway(cfg.Auth.Token,
		chatsync.WithBaseURL(engineCfg.BaseURL),
		chatsync.WithGatewayLogger(log),
	)
	transport, err := chatsync.BuildTransport(engineCfg, gw, cfg.Auth.Token, cfg.Auth.UserID, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build transport: %v\n", err)
		os.Exit(1)
	}

	session := chatsync.NewSession(gw, transport, chatsync.WithSessionLogger(log))
	return session, transport, chatsync.Credentials{Token: cfg.Auth.Token, UserID: cfg.Auth.UserID}
}

// requireAuth loads the config and exits if no token is stored.
func requireAuth() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync login <token>' first.")
		os.Exit(1)
	}
	return cfg
}
