// Command ilpconnectord runs a standalone Interledger connector: it loads
// its configuration, brings up the persistence store and rate backend,
// registers every configured account, and services CCP route
// advertisement for the lifetime of the process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ilpfi/connectord/accounts"
	"github.com/ilpfi/connectord/connector"
	"github.com/ilpfi/connectord/htlcswitch"
	"github.com/ilpfi/connectord/ratebackend"
	"github.com/ilpfi/connectord/routing"
	"github.com/ilpfi/connectord/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ilpconnectord: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := initLogRotator(cfg.logFilePath()); err != nil {
		return fmt.Errorf("initializing log rotation: %w", err)
	}
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return err
	}

	backing, err := store.OpenBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer backing.Close()

	if err := backing.Load(context.Background()); err != nil {
		return fmt.Errorf("loading store: %w", err)
	}

	rates, err := openRateBackend(cfg.RatesFile)
	if err != nil {
		return err
	}

	conn := connector.NewConnector(cfg.NodeID, rates, backing, connector.Config{
		Switch: htlcswitch.Config{
			MinMessageWindow: cfg.MinMessageWindow,
			ReflectPayments:  cfg.ReflectPayments,
		},
		Routing: routing.ManagerConfig{
			HoldDownTime:        cfg.HoldDownTime,
			RouteBroadcastEvery: cfg.RouteBroadcastInterval,
			RouteExpiryAfter:    cfg.RouteExpiryInterval,
		},
	})

	if err := bringUpAccounts(conn, cfg.AccountsFile); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.RunRouteBroadcast(ctx)

	log.Infof("ilpconnectord ready: node=%s accounts=%d", cfg.NodeID, len(conn.ListAccounts()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Infof("ilpconnectord shutting down")
	return nil
}

// openRateBackend builds the configured RateBackend, falling back to an
// empty static table (same-asset pairs only) when no rates file is
// configured, so the daemon still starts for a single-asset deployment.
func openRateBackend(path string) (ratebackend.RateBackend, error) {
	if path == "" {
		return ratebackend.NewStaticTable(nil), nil
	}
	table, err := ratebackend.NewFileTable(path)
	if err != nil {
		return nil, fmt.Errorf("opening rates file: %w", err)
	}
	return table, nil
}

// bringUpAccounts loads the AccountsFile and registers every entry,
// pairing up any accounts whose Link.Kind is "loopback" before
// registration so both ends of the pair exist first.
//
// Concrete wire transports (BTP, a websocket framing, anything that
// actually reaches a remote process) are this connector's out-of-scope
// external collaborator; "loopback" is the one kind this daemon
// constructs itself, useful for running two locally-configured account
// legs against each other (demos, smoke tests). A deployment that needs
// a real peer talks to it by supplying its own accounts.Link
// implementation ahead of AddAccount — there is no plugin registry here
// because wiring a new transport is code, not configuration.
func bringUpAccounts(conn *connector.Connector, accountsFile string) error {
	entries, err := loadAccountFile(accountsFile)
	if err != nil {
		return err
	}

	links := make(map[string]*accounts.FakeLink, len(entries))
	for _, e := range entries {
		caps := accounts.CapData
		if e.Link.Kind == "loopback" {
			caps |= accounts.CapMoney
		}
		links[e.AccountID] = accounts.NewFakeLink(e.AccountID, caps)
	}

	paired := make(map[string]bool)
	for _, e := range entries {
		if e.Link.Kind != "loopback" || paired[e.AccountID] {
			continue
		}
		if e.Link.PairsTo == "" {
			return fmt.Errorf("config: account %s: loopback link requires pairsTo", e.AccountID)
		}
		peer, ok := links[e.Link.PairsTo]
		if !ok {
			return fmt.Errorf("config: account %s: pairsTo %q not configured", e.AccountID, e.Link.PairsTo)
		}
		accounts.NewLoopbackPair(links[e.AccountID], peer)
		paired[e.AccountID] = true
		paired[e.Link.PairsTo] = true
	}

	for _, e := range entries {
		acct, err := e.toAccount()
		if err != nil {
			return err
		}
		if err := conn.AddAccount(connector.AccountSetup{
			Account: acct,
			Link:    links[e.AccountID],
		}); err != nil {
			return fmt.Errorf("adding account %s: %w", e.AccountID, err)
		}
	}

	return nil
}
