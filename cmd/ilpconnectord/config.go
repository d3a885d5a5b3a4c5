package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/ilpfi/connectord/accounts"
)

const (
	defaultConfigFilename   = "ilpconnectord.conf"
	defaultLogFilename      = "ilpconnectord.log"
	defaultDataDirname      = "data"
	defaultLogDirname       = "logs"
	defaultLogLevel         = "info"
	defaultMinMessageWindow = time.Second
	defaultRouteExpiry      = 45 * time.Second
	defaultRouteBroadcast   = 30 * time.Second
	defaultHoldDownTime     = 30 * time.Second
)

// config is the daemon's process-wide configuration surface, per the
// connector's "Configuration surface" (process-wide settings plus a
// slice of per-account configs). Flags are parsed the way lnd's own
// daemon config is: github.com/jessevdk/go-flags against the command
// line, with an optional file overlay of the same struct.
type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`

	DataDir string `long:"datadir" description:"Directory holding the persistent store"`
	LogDir  string `long:"logdir" description:"Directory to log output"`

	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems"`

	NodeID string `long:"nodeid" description:"This connector's ILP address component, used as the route manager's own node identity"`

	RatesFile string `long:"ratesfile" description:"Path to a JSON spot-rate table, hot-reloaded on change"`

	AccountsFile string `long:"accountsfile" description:"Path to a JSON file listing this connector's accounts"`

	MinMessageWindow       time.Duration `long:"minmessagewindow" description:"Time reserved from an incoming PREPARE's expiry for this hop's own processing"`
	RouteExpiryInterval    time.Duration `long:"routeexpiryinterval" description:"Route expiry interval handed to the route manager; learned routes are not expired on a timer"`
	RouteBroadcastInterval time.Duration `long:"routebroadcastinterval" description:"Interval between periodic CCP catch-up broadcasts"`
	HoldDownTime           time.Duration `long:"holddowntime" description:"Suppression window after a route withdrawal before it may be reselected"`
	ReflectPayments        bool          `long:"reflectpayments" description:"Allow a forwarded packet's next hop to equal its ingress account"`
}

// accountFileConfig is one entry of the AccountsFile, mirroring §6's
// per-account configuration surface field-for-field.
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

	// Link selects the transport this account is reached over. The
	// connector treats the wire transport as an out-of-scope external
	// collaborator (see §1 Non-goals); "loopback" is the only kind this
	// daemon constructs itself, pairing two accounts configured within
	// the same AccountsFile for local smoke-testing. Any other kind is
	// registered with a data-only link that is never paired or connected.
	Link struct {
		Kind    string `json:"kind"`
		PairsTo string `json:"pairsTo"`
	} `json:"link"`
}

func defaultConfig() config {
	return config{
		ConfigFile:             defaultConfigFilename,
		DataDir:                defaultDataDirname,
		LogDir:                 defaultLogDirname,
		DebugLevel:             defaultLogLevel,
		MinMessageWindow:       defaultMinMessageWindow,
		RouteExpiryInterval:    defaultRouteExpiry,
		RouteBroadcastInterval: defaultRouteBroadcast,
		HoldDownTime:           defaultHoldDownTime,
	}
}

// loadConfig parses the command line, then the config file (if present),
// into a single config value — command-line flags win over file values
// because flags.Parse is applied last.
func loadConfig() (*config, error) {
	preCfg := defaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	if _, err := os.Stat(preCfg.ConfigFile); err == nil {
		fileParser := flags.NewParser(&preCfg, flags.Default)
		if err := flags.NewIniParser(fileParser).ParseFile(preCfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", preCfg.ConfigFile, err)
		}
	}

	// Command-line flags are re-applied last so they override the file.
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	if preCfg.NodeID == "" {
		return nil, fmt.Errorf("config: nodeid is required")
	}

	if err := os.MkdirAll(preCfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("config: creating datadir: %w", err)
	}
	if err := os.MkdirAll(preCfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("config: creating logdir: %w", err)
	}

	return &preCfg, nil
}

func (c *config) logFilePath() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}

// loadAccountFile parses an AccountsFile into its raw accountFileConfig
// entries (toAccount converts each one). It does not validate link
// pairing; that is the caller's job once all entries are known.
func loadAccountFile(path string) ([]accountFileConfig, error) {
	if path == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading accounts file: %w", err)
	}

	var entries []accountFileConfig
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("config: parsing accounts file: %w", err)
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
		return 0, fmt.Errorf("config: unknown relation %q", s)
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
		return nil, fmt.Errorf("config: account entry missing accountId")
	}
	return acct, nil
}
