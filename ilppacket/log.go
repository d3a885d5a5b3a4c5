package ilppacket

import "github.com/btcsuite/btclog"

// log is the package-level subsystem logger. It is disabled by default and
// wired up by the daemon via UseLogger, following the same convention the
// teacher uses for every package (routing, channeldb, ...).
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
