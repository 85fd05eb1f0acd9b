package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/kitewallet/wclink/internal/logging"
	"github.com/kitewallet/wclink/internal/session"
	"github.com/kitewallet/wclink/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wclinkctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to TOML config file")
		uri        = flag.String("uri", "", "pairing URI (wc:...)")
		storePath  = flag.String("store", "", "session store path, overrides config")
		autoAppr   = flag.Bool("approve", false, "approve session and signing requests without prompting")
	)
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := defaultAppConfig()
	if *configPath != "" {
		loaded, err := loadAppConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *storePath != "" {
		cfg.StorePath = *storePath
	}
	if *uri == "" {
		return fmt.Errorf("pairing uri required, pass -uri 'wc:...'")
	}

	pairing, err := session.ParseURI(*uri)
	if err != nil {
		return err
	}

	st, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	cfg.Session.Store = st
	client, err := session.New(cfg.Session)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Connect(ctx, pairing); err != nil {
		return err
	}
	log.Info().Str("topic", pairing.Topic).Str("bridge", pairing.BridgeURL).Msg("pairing opened")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return nil
		case ev := <-client.Events():
			if ev.Type == session.EventDisconnect {
				fmt.Println("session disconnected")
				return nil
			}
			if err := handleEvent(client, cfg, *autoAppr, ev); err != nil {
				return err
			}
		}
	}
}

func handleEvent(client *session.Client, cfg appConfig, autoApprove bool, ev session.Event) error {
	switch ev.Type {
	case session.EventSessionRequest:
		fmt.Printf("session request from %s (%s), chain %d\n", ev.PeerMeta.Name, ev.PeerMeta.URL, ev.ChainID)
		if !autoApprove {
			fmt.Println("run with -approve to accept, or ctrl-c to abort")
			return nil
		}
		if err := client.ApproveSession(cfg.Accounts, cfg.ChainID); err != nil {
			return err
		}
		fmt.Printf("session approved with accounts %v\n", cfg.Accounts)

	case session.EventCallRequest:
		fmt.Printf("signing request %d (%s)\n", ev.RequestID, ev.Method)
		// This demo holds no keys, so every signing request is declined.
		if err := client.RejectRequest(ev.RequestID, "wclinkctl cannot sign transactions"); err != nil {
			return err
		}
		fmt.Printf("signing request %d declined\n", ev.RequestID)

	case session.EventConnect:
		fmt.Printf("session connected on chain %d\n", ev.ChainID)

	case session.EventError:
		return ev.Err
	}
	return nil
}
