package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kitewallet/wclink/internal/bridge"
	"github.com/kitewallet/wclink/internal/protocol"
	"github.com/kitewallet/wclink/internal/session"
)

// appConfig carries everything the CLI needs to stand up a client.
type appConfig struct {
	Session   session.Config
	StorePath string
	Accounts  []string
	ChainID   int64
}

func defaultAppConfig() appConfig {
	return appConfig{
		Session: session.Config{
			Meta: protocol.PeerMeta{
				Name:        "Kite Wallet",
				Description: "Kite wallet session client",
				URL:         "https://kitewallet.example",
			},
			Bridge: bridge.DefaultConfig(),
		},
		StorePath: "wclink.db",
		ChainID:   416001,
	}
}

type fileConfig struct {
	WalletName        string   `toml:"wallet_name"`
	WalletURL         string   `toml:"wallet_url"`
	WalletDescription string   `toml:"wallet_description"`
	StorePath         string   `toml:"store_path"`
	EventBuffer       int      `toml:"event_buffer"`
	ConnectTimeout    string   `toml:"connect_timeout"`
	PingInterval      string   `toml:"ping_interval"`
	MaxReconnects     int      `toml:"max_reconnects"`
	Accounts          []string `toml:"accounts"`
	ChainID           int64    `toml:"chain_id"`
}

func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load wclink config: %w", err)
	}

	if meta.IsDefined("wallet_name") {
		name := strings.TrimSpace(raw.WalletName)
		if name != "" {
			cfg.Session.Meta.Name = name
		}
	}

	if meta.IsDefined("wallet_url") {
		cfg.Session.Meta.URL = strings.TrimSpace(raw.WalletURL)
	}

	if meta.IsDefined("wallet_description") {
		cfg.Session.Meta.Description = strings.TrimSpace(raw.WalletDescription)
	}

	if meta.IsDefined("store_path") {
		p := strings.TrimSpace(raw.StorePath)
		if p != "" {
			cfg.StorePath = p
		}
	}

	if meta.IsDefined("event_buffer") {
		cfg.Session.EventBuffer = raw.EventBuffer
	}

	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.Session.Bridge.ConnectTimeout = d
	}

	if meta.IsDefined("ping_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PingInterval))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse ping_interval: %w", err)
		}
		cfg.Session.Bridge.PingInterval = d
	}

	if meta.IsDefined("max_reconnects") {
		cfg.Session.Bridge.MaxReconnects = raw.MaxReconnects
	}

	if meta.IsDefined("accounts") {
		cfg.Accounts = normalizeAccounts(raw.Accounts)
	}

	if meta.IsDefined("chain_id") {
		cfg.ChainID = raw.ChainID
	}

	return cfg, nil
}

func normalizeAccounts(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, acct := range in {
		v := strings.TrimSpace(acct)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
