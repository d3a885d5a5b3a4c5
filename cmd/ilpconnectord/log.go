package main

import (
	"fmt"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate"

	"github.com/ilpfi/connectord/accounts"
	"github.com/ilpfi/connectord/balance"
	"github.com/ilpfi/connectord/connector"
	"github.com/ilpfi/connectord/htlcswitch"
	"github.com/ilpfi/connectord/ilppacket"
	"github.com/ilpfi/connectord/ratebackend"
	"github.com/ilpfi/connectord/routing"
	"github.com/ilpfi/connectord/settlement"
	"github.com/ilpfi/connectord/store"
)

// logWriter fans every subsystem's logger out to both stdout and the
// rotated on-disk log file, exactly as lnd's own log.go does.
type logWriter struct {
	file *logrotate.File
}

func (w *logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return w.file.Write(p)
}

var (
	backendLog *btclog.Backend
	logw       *logWriter

	// log is this command's own subsystem logger, separate from the
	// library packages' (set alongside them in setLogLevels).
	log btclog.Logger = btclog.Disabled
)

// subsystemLoggers names every package that exposes a UseLogger hook, so
// setLogLevels can walk them uniformly.
var subsystemLoggers = map[string]func(btclog.Logger){
	"ACCT": accounts.UseLogger,
	"BALN": balance.UseLogger,
	"CONN": connector.UseLogger,
	"SWCH": htlcswitch.UseLogger,
	"PKT":  ilppacket.UseLogger,
	"RATE": ratebackend.UseLogger,
	"RTNG": routing.UseLogger,
	"SETL": settlement.UseLogger,
	"STOR": store.UseLogger,
}

// initLogRotator opens (creating if necessary) the rotated log file at
// logFile and wires backendLog to fan out to it plus stdout.
func initLogRotator(logFile string) error {
	r, err := logrotate.NewFile(logFile)
	if err != nil {
		return err
	}
	logw = &logWriter{file: r}
	backendLog = btclog.NewBackend(logw)
	return nil
}

// setLogLevels installs a logger at level for every known subsystem.
func setLogLevels(level string) error {
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return fmt.Errorf("log: unknown level %q", level)
	}
	for tag, use := range subsystemLoggers {
		logger := backendLog.Logger(tag)
		logger.SetLevel(lvl)
		use(logger)
	}

	log = backendLog.Logger("CNCT")
	log.SetLevel(lvl)
	return nil
}
