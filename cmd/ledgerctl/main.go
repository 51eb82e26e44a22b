// Command ledgerctl is the approver's tool: it lists pending sell requests,
// signs and confirms or cancels them, and generates approval keys.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/atmx/prediction-ledger/internal/approval"
	"github.com/atmx/prediction-ledger/internal/model"
)

func main() {
	app := cli.NewApp()
	app.Name = "ledgerctl"
	app.Usage = "approve or reject pending sell requests"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "api",
			Value:  "http://localhost:8080",
			Usage:  "ledger server base URL",
			EnvVar: "LEDGER_API",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 10 * time.Second,
			Usage: "request timeout",
		},
	}

	keyFlag := cli.StringFlag{
		Name:   "key, k",
		Usage:  "base58 Ed25519 private key used to sign the request id",
		EnvVar: "LEDGER_APPROVER_KEY",
	}
	sigFlag := cli.StringFlag{
		Name:  "signature, s",
		Usage: "precomputed base58 signature",
	}

	app.Commands = []cli.Command{
		{
			Name:  "pending",
			Usage: "list pending sell requests",
			Action: func(c *cli.Context) error {
				reqs, err := client(c).PendingSells(context.Background())
				if err != nil {
					return err
				}
				printPending(os.Stdout, reqs)
				return nil
			},
		},
		{
			Name:  "markets",
			Usage: "list markets with prices and coefficients",
			Action: func(c *cli.Context) error {
				views, err := client(c).Markets(context.Background())
				if err != nil {
					return err
				}
				table := tablewriter.NewWriter(os.Stdout)
				table.Header("ID", "Title", "Status", "Yes", "No", "Yes coef", "No coef", "Volume")
				for _, v := range views {
					table.Append(v.ID, v.Title, string(v.Status),
						v.YesPrice.String(), v.NoPrice.String(),
						v.YesCoefficient.String(), v.NoCoefficient.String(),
						v.TotalVolume.String())
				}
				table.Render()
				return nil
			},
		},
		{
			Name:      "confirm",
			Usage:     "settle a pending sell request",
			ArgsUsage: "<request-id>",
			Flags:     []cli.Flag{keyFlag, sigFlag},
			Action: func(c *cli.Context) error {
				id, err := requestID(c)
				if err != nil {
					return err
				}
				sig, err := signature(c, id)
				if err != nil {
					return err
				}
				if sig == "" {
					return errors.New("confirm needs --key or --signature")
				}
				res, err := client(c).Confirm(context.Background(), id, sig)
				if err != nil {
					return err
				}
				fmt.Printf("settled %s: paid %s to %s (tx %s)\n",
					res.Request.ID, res.Payout.Amount, res.Payout.Destination, res.Transaction.ID)
				return nil
			},
		},
		{
			Name:      "cancel",
			Usage:     "reject a pending sell request",
			ArgsUsage: "<request-id>",
			Flags: []cli.Flag{keyFlag, sigFlag, cli.StringFlag{
				Name:  "reason, r",
				Usage: "reason recorded on the request",
			}},
			Action: func(c *cli.Context) error {
				id, err := requestID(c)
				if err != nil {
					return err
				}
				sig, err := signature(c, id)
				if err != nil {
					return err
				}
				sr, err := client(c).Cancel(context.Background(), id, sig, c.String("reason"))
				if err != nil {
					return err
				}
				fmt.Printf("cancelled %s\n", sr.ID)
				return nil
			},
		},
		{
			Name:  "keygen",
			Usage: "generate an approver key pair",
			Action: func(c *cli.Context) error {
				pub, priv, err := approval.GenerateKey()
				if err != nil {
					return err
				}
				fmt.Printf("public key (server LEDGER_APPROVAL_PUBLIC_KEY): %s\n", pub)
				fmt.Printf("private key (ledgerctl --key):                 %s\n", priv)
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func client(c *cli.Context) *Client {
	return NewClient(c.GlobalString("api"), c.GlobalDuration("timeout"))
}

func requestID(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("%s takes exactly one request id", c.Command.Name)
	}
	return c.Args().First(), nil
}

// signature signs id with --key, or falls back to --signature.
func signature(c *cli.Context, id string) (string, error) {
	if key := c.String("key"); key != "" {
		return approval.Sign(key, id)
	}
	return c.String("signature"), nil
}

func printPending(w io.Writer, reqs []model.SellRequest) {
	if len(reqs) == 0 {
		fmt.Fprintln(w, "no pending sell requests")
		return
	}
	table := tablewriter.NewWriter(w)
	table.Header("Request", "User", "Market", "Outcome", "Qty", "Price", "Min", "Net", "Created")
	for _, r := range reqs {
		table.Append(r.ID, r.UserID, r.MarketID, string(r.Outcome),
			r.Quantity.String(), r.RequestedPrice.String(), r.MinPrice.String(),
			r.NetProceeds.String(), r.CreatedAt.Format(time.RFC3339))
	}
	table.Render()
}
