package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ilpfi/connectord/accounts"
	"github.com/ilpfi/connectord/connector"
)

// accountFileConfig mirrors ilpconnectord's own accounts-file schema (see
// cmd/ilpconnectord/config.go): the two binaries read the same file
// format so this tool inspects exactly what the daemon would bring up,
// but each command has its own copy since they are separate main
// packages.
type accountFileConfig struct {
	AccountID  string `json:"accountId"`
	Relation   string `json:"relation"`
	AssetCode  string `json:"assetCode"`
	AssetScale uint8  `json:"assetScale"`

	Balance struct {
		Minimum         int64  `json:"minimum"`
		Maximum         int64  `json:"maximum"`
		SettleThreshold *int64 `json:"settleThreshold"`
		SettleTo        int64  `json:"settleTo"`
	} `json:"balance"`

	MaxPacketAmount uint64 `json:"maxPacketAmount"`

	RateLimit struct {
		RefillPeriod time.Duration `json:"refillPeriod"`
		RefillCount  int           `json:"refillCount"`
		Capacity     int           `json:"capacity"`
	} `json:"rateLimit"`

	Deduplicate struct {
		WindowMs int `json:"windowMs"`
	} `json:"deduplicate"`

	SettleOnConnect bool `json:"settleOnConnect"`
	PeerWeight      int  `json:"peerWeight"`

	Link struct {
		Kind    string `json:"kind"`
		PairsTo string `json:"pairsTo"`
	} `json:"link"`
}

func loadAccountFile(path string) ([]accountFileConfig, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading accounts file: %w", err)
	}
	var entries []accountFileConfig
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing accounts file: %w", err)
	}
	return entries, nil
}

func parseRelation(s string) (accounts.Relation, error) {
	switch s {
	case "parent":
		return accounts.RelationParent, nil
	case "child":
		return accounts.RelationChild, nil
	case "peer", "":
		return accounts.RelationPeer, nil
	default:
		return 0, fmt.Errorf("unknown relation %q", s)
	}
}

func (a accountFileConfig) toAccount() (*accounts.Account, error) {
	relation, err := parseRelation(a.Relation)
	if err != nil {
		return nil, err
	}
	acct := &accounts.Account{
		AccountID:       a.AccountID,
		Relation:        relation,
		AssetCode:       a.AssetCode,
		AssetScale:      a.AssetScale,
		MaxPacketAmount: a.MaxPacketAmount,
		Balance: accounts.BalanceConfig{
			Minimum:         a.Balance.Minimum,
			Maximum:         a.Balance.Maximum,
			SettleThreshold: a.Balance.SettleThreshold,
			SettleTo:        a.Balance.SettleTo,
		},
		RateLimit: accounts.RateLimitConfig{
			RefillPeriod: a.RateLimit.RefillPeriod,
			RefillCount:  a.RateLimit.RefillCount,
			Capacity:     a.RateLimit.Capacity,
		},
		Dedup:           accounts.DedupConfig{Window: time.Duration(a.Deduplicate.WindowMs) * time.Millisecond},
		SettleOnConnect: a.SettleOnConnect,
		PeerWeight:      a.PeerWeight,
	}
	if acct.AccountID == "" {
		return nil, fmt.Errorf("account entry missing accountId")
	}
	return acct, nil
}

// bringUpAccounts registers every entry in accountsFile against conn,
// pairing up loopback links first so both ends exist before AddAccount.
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
			return fmt.Errorf("account %s: loopback link requires pairsTo", e.AccountID)
		}
		peer, ok := links[e.Link.PairsTo]
		if !ok {
			return fmt.Errorf("account %s: pairsTo %q not configured", e.AccountID, e.Link.PairsTo)
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
