package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/CamberLoid/ChimataPHE/internal/clientlib"
	"github.com/CamberLoid/ChimataPHE/internal/config"
	"github.com/CamberLoid/ChimataPHE/internal/custody"
	"github.com/CamberLoid/ChimataPHE/internal/logging"
	"github.com/urfave/cli/v2"
)

const requestTimeout = 30 * time.Second

// CLI
func main() {
	app := &cli.App{
		Name:     "ChimataPHE",
		HelpName: "ChimataPHE-client",
		Version:  config.DefaultVersion,
		Usage:    "CLI Interface of ChimataPHE/Client",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: clientlib.DefaultServerAddr, Usage: "ledger server address"},
			&cli.StringFlag{Name: "custody", Value: clientlib.DefaultCustodyAddr, Usage: "key-custody address"},
			&cli.StringFlag{Name: "keyring", Value: clientlib.ConfigDatabasePath, Usage: "local keyring database, empty to disable"},
			&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Required: true},
			&cli.StringFlag{Name: "password", Aliases: []string{"p"}, EnvVars: []string{"CHIMATA_PASSWORD"}, Required: true},
			&cli.StringFlag{Name: "log-level", Value: "warning"},
		},
		Before: func(c *cli.Context) error {
			logging.Init(c.String("log-level"), nil, nil)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "signup",
				Usage: "create an account with an initial balance",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "balance", Value: 0},
					&cli.IntFlag{Name: "key-bits", Value: config.DefaultKeyBits},
				},
				Action: signup,
			},
			{
				Name:   "balance",
				Usage:  "show the decrypted balance",
				Action: withLogin(balance),
			},
			{
				Name:      "send",
				Usage:     "send money to another account",
				ArgsUsage: "<receiver> <amount>",
				Action:    withLogin(send),
			},
			{
				Name:   "history",
				Usage:  "show the decrypted account history",
				Action: withLogin(showHistory),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(c *cli.Context) (*clientlib.Client, error) {
	ctx := c.Context
	ledger, err := clientlib.DialLedger(ctx, c.String("server"))
	if err != nil {
		return nil, err
	}
	keys, err := custody.Dial(ctx, c.String("custody"))
	if err != nil {
		ledger.Close()
		return nil, err
	}

	var keyring *clientlib.Keyring
	if path := c.String("keyring"); path != "" {
		if keyring, err = clientlib.OpenKeyring(ctx, path); err != nil {
			logging.WarningLogger.Printf("keyring disabled: %v", err)
			keyring = nil
		}
	}
	return clientlib.NewClient(ledger, keys, keyring), nil
}

func signup(c *cli.Context) error {
	client, err := connect(c)
	if err != nil {
		return err
	}
	defer client.Close()
	client.KeyBits = c.Int("key-bits")

	ctx, cancel := context.WithTimeout(c.Context, requestTimeout)
	defer cancel()
	u, err := client.Signup(ctx, c.String("username"), c.String("password"), c.Int64("balance"))
	if err != nil {
		return err
	}
	fmt.Printf("Signed up %s, key %s\n", u.UserName, u.KeyChain.PublicKey.Fingerprint())
	return nil
}

type action func(ctx context.Context, c *cli.Context, client *clientlib.Client) error

// withLogin connects and logs in before running a.
func withLogin(a action) cli.ActionFunc {
	return func(c *cli.Context) error {
		client, err := connect(c)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(c.Context, requestTimeout)
		defer cancel()
		if _, err = client.Login(ctx, c.String("username"), c.String("password")); err != nil {
			return err
		}
		return a(ctx, c, client)
	}
}

func balance(ctx context.Context, c *cli.Context, client *clientlib.Client) error {
	b, err := client.Balance(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Balance: %d\n", b)
	return nil
}

func send(ctx context.Context, c *cli.Context, client *clientlib.Client) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: send <receiver> <amount>", 2)
	}
	var amount int64
	if _, err := fmt.Sscan(c.Args().Get(1), &amount); err != nil {
		return cli.Exit("amount must be an integer", 2)
	}

	tx, err := client.Send(ctx, c.Args().Get(0), amount)
	if err != nil {
		return err
	}
	fmt.Printf("Sent %d to %s, transaction %s\n", amount, tx.Receiver, tx.UUID)
	return nil
}

func showHistory(ctx context.Context, c *cli.Context, client *clientlib.Client) error {
	lines, err := client.History(ctx)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Printf("%s  %-14s", l.Time.Local().Format(time.DateTime), l.Type)
		if l.PlainAmount != nil {
			fmt.Printf("  amount %d", *l.PlainAmount)
		}
		if l.PlainBalance != nil {
			fmt.Printf("  balance %d", *l.PlainBalance)
		}
		if l.Sender != "" || l.Receiver != "" {
			fmt.Printf("  %s -> %s", l.Sender, l.Receiver)
		}
		fmt.Println()
	}
	return nil
}
