// Command ilpconnector-cli is a thin administrative tool over the
// connector's account-lifecycle surface. It calls connector.Connector
// methods directly, in-process, against the same data directory an
// ilpconnectord instance uses — there is no RPC transport here (that
// would reintroduce the out-of-scope wire-framing concern), so this is
// an offline maintenance tool: stop the daemon (or point it at a copy of
// the data directory) before using it to avoid two processes fighting
// over the same bbolt file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/ilpfi/connectord/connector"
	"github.com/ilpfi/connectord/htlcswitch"
	"github.com/ilpfi/connectord/ilppacket"
	"github.com/ilpfi/connectord/ratebackend"
	"github.com/ilpfi/connectord/routing"
	"github.com/ilpfi/connectord/store"
)

const defaultDataDirname = "data"

func main() {
	app := cli.NewApp()
	app.Name = "ilpconnector-cli"
	app.Usage = "administer an ilpconnectord data directory"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "datadir", Value: defaultDataDirname, Usage: "connector data directory"},
		cli.StringFlag{Name: "accountsfile", Usage: "path to the accounts JSON file"},
		cli.StringFlag{Name: "nodeid", Usage: "this connector's own node identity"},
	}
	app.Commands = []cli.Command{
		listAccountsCommand,
		showBalanceCommand,
		resolveRouteCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ilpconnector-cli: %v\n", err)
		os.Exit(1)
	}
}

var listAccountsCommand = cli.Command{
	Name:  "list-accounts",
	Usage: "print every account configured in the accounts file",
	Action: func(c *cli.Context) error {
		conn, err := openConnector(c)
		if err != nil {
			return err
		}
		for _, acct := range conn.ListAccounts() {
			fmt.Printf("%-16s relation=%-6s asset=%s/%d max-packet=%d\n",
				acct.AccountID, acct.Relation, acct.AssetCode, acct.AssetScale, acct.MaxPacketAmount)
		}
		return nil
	},
}

var showBalanceCommand = cli.Command{
	Name:      "show-balance",
	Usage:     "print the persisted balance snapshot for an account",
	ArgsUsage: "<accountId>",
	Action: func(c *cli.Context) error {
		accountID := c.Args().First()
		if accountID == "" {
			return fmt.Errorf("show-balance: accountId is required")
		}

		backing, err := store.OpenBoltStore(c.GlobalString("datadir"))
		if err != nil {
			return err
		}
		defer backing.Close()
		if err := backing.Load(context.Background()); err != nil {
			return err
		}

		raw, ok := backing.Get(accountID + ":account")
		if !ok {
			return fmt.Errorf("show-balance: no persisted state for %s", accountID)
		}
		var pretty map[string]interface{}
		if err := json.Unmarshal(raw, &pretty); err != nil {
			return err
		}
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var resolveRouteCommand = cli.Command{
	Name:      "resolve-route",
	Usage:     "resolve an ILP address against the locally-hosted routes",
	ArgsUsage: "<address>",
	Action: func(c *cli.Context) error {
		address := c.Args().First()
		if address == "" {
			return fmt.Errorf("resolve-route: address is required")
		}

		conn, err := openConnector(c)
		if err != nil {
			return err
		}

		route, ok := conn.ResolveRoute(ilppacket.Address(address))
		if !ok {
			return fmt.Errorf("resolve-route: no route for %s", address)
		}
		fmt.Printf("nextHop=%s local=%v path=%v\n", route.NextHop, route.Local, route.Path)
		return nil
	},
}

// openConnector builds a Connector from the data directory and accounts
// file named on the command line, registering every configured account
// exactly as ilpconnectord's own startup does, but without starting CCP
// route broadcast — this is a point-in-time inspection tool, not a
// running peer.
func openConnector(c *cli.Context) (*connector.Connector, error) {
	nodeID := c.GlobalString("nodeid")
	if nodeID == "" {
		return nil, fmt.Errorf("--nodeid is required")
	}

	backing, err := store.OpenBoltStore(c.GlobalString("datadir"))
	if err != nil {
		return nil, err
	}
	if err := backing.Load(context.Background()); err != nil {
		backing.Close()
		return nil, err
	}

	conn := connector.NewConnector(nodeID, ratebackend.NewStaticTable(nil), backing, connector.Config{
		Switch:  htlcswitch.Config{},
		Routing: routing.ManagerConfig{},
	})

	if err := bringUpAccounts(conn, c.GlobalString("accountsfile")); err != nil {
		backing.Close()
		return nil, err
	}
	return conn, nil
}

