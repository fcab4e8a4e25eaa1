package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lumendark/lumendark/internal/auth"
	"github.com/lumendark/lumendark/internal/client"
	"github.com/lumendark/lumendark/internal/settlement"
)

const fsModeWrite = 0o600

var (
	assetID      string
	amount       int64
	nonceFlag    int64
	user         string
	buyer        string
	seller       string
	assetSold    string
	amountSold   int64
	assetBought  string
	amountBought int64
	opsFile      string
	keyOut       string
	status       string
	reason       string
	limit        int
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new ed25519 signing key",
	RunE: func(*cobra.Command, []string) error {
		principal, priv, err := auth.GenerateKey()
		if err != nil {
			return err
		}
		seed := hex.EncodeToString(priv.Seed())
		if keyOut != "" {
			if err := os.WriteFile(keyOut, []byte(seed+"\n"), fsModeWrite); err != nil {
				return err
			}
			color.Green("created key and saved to %s", keyOut)
		} else {
			fmt.Printf("%s %s\n", color.YellowString("seed:"), seed)
		}
		fmt.Printf("%s %s\n", color.YellowString("principal:"), principal)
		return nil
	},
}

var depositCmd = &cobra.Command{
	Use:   "deposit",
	Short: "Deposit tokens into custody and credit your balance",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		res, err := c.Deposit(ctx, assetID, amount)
		if err != nil {
			return err
		}
		color.Green("deposited %d %s for %s (balance=%d ref=%s)", res.Amount, res.Asset, res.User, res.Balance, res.TransferReference)
		return nil
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Release tokens from custody to a user (admin)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var (
			res settlement.WithdrawResponse
			err error
		)
		if nonceFlag >= 0 {
			var c *client.Client
			if c, err = newClient(true); err != nil {
				return err
			}
			res, err = c.Withdraw(ctx, settlement.WithdrawRequest{Nonce: uint64(nonceFlag), User: user, Asset: assetID, Amount: amount})
		} else {
			var sub *client.Submitter
			if sub, err = newSubmitter(); err != nil {
				return err
			}
			res, err = sub.Withdraw(ctx, user, assetID, amount)
		}
		if err != nil {
			return err
		}
		color.Green("withdrew %d %s to %s at nonce %d (balance=%d)", res.Amount, res.Asset, res.User, res.Nonce, res.Balance)
		return nil
	},
}

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Settle a matched trade between buyer and seller (admin)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		req := settlement.SettleRequest{
			Buyer:        buyer,
			Seller:       seller,
			AssetSold:    assetSold,
			AmountSold:   amountSold,
			AssetBought:  assetBought,
			AmountBought: amountBought,
		}
		var (
			res settlement.SettleResponse
			err error
		)
		if nonceFlag >= 0 {
			var c *client.Client
			if c, err = newClient(true); err != nil {
				return err
			}
			req.Nonce = uint64(nonceFlag)
			res, err = c.Settle(ctx, req)
		} else {
			var sub *client.Submitter
			if sub, err = newSubmitter(); err != nil {
				return err
			}
			res, err = sub.Settle(ctx, req)
		}
		if err != nil {
			return err
		}
		color.Green("settled at nonce %d: seller %d/%d buyer %d/%d",
			res.Nonce, res.Seller.AssetSold, res.Seller.AssetBought, res.Buyer.AssetSold, res.Buyer.AssetBought)
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance <principal> <asset>",
	Short: "Show a recorded balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		res, err := c.Balance(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %s (%d)\n", color.YellowString("balance:"), res.Display, res.Asset, res.Balance)
		return nil
	},
}

var nonceCmd = &cobra.Command{
	Use:   "nonce",
	Short: "Show the current execution nonce",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		n, err := c.Nonce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s %d\n", color.YellowString("nonce:"), n)
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a YAML batch of withdrawals and settlements in order (admin)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		raw, err := os.ReadFile(opsFile)
		if err != nil {
			return fmt.Errorf("read ops file: %w", err)
		}
		var ops []client.Op
		if err := yaml.Unmarshal(raw, &ops); err != nil {
			return fmt.Errorf("parse ops file: %w", err)
		}
		sub, err := newSubmitter()
		if err != nil {
			return err
		}

		results, err := sub.Run(cmd.Context(), ops)
		for _, r := range results {
			color.Green("committed %s at nonce %d (event %s)", r.Op.Kind, r.Nonce, r.EventID)
		}
		if err != nil {
			return err
		}
		color.Cyan("%d operations committed, next nonce %d", len(results), sub.Nonce())
		return nil
	},
}

var faucetCmd = &cobra.Command{
	Use:   "faucet",
	Short: "Mint tokens into a holder's external account (development servers only)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		holder := user
		if holder == "" {
			key, err := loadKey()
			if err != nil {
				return fmt.Errorf("--user or a signing key is required: %w", err)
			}
			holder = auth.PrincipalOf(key)
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		res, err := c.Faucet(ctx, holder, assetID, amount)
		if err != nil {
			return err
		}
		color.Green("minted %d %s (%s) to %s", res.Amount, res.Asset, res.Token, res.Holder)
		return nil
	},
}

var requestWithdrawalCmd = &cobra.Command{
	Use:   "request-withdrawal",
	Short: "Ask the admin to withdraw part of your balance",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		res, err := c.RequestWithdrawal(ctx, assetID, amount)
		if err != nil {
			return err
		}
		color.Green("requested %d %s, id %s (%s)", res.Amount, res.Asset, res.ID, res.Status)
		return nil
	},
}

var requestCmd = &cobra.Command{
	Use:   "request <id>",
	Short: "Show the status of a withdrawal request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		res, err := c.WithdrawalRequest(ctx, args[0])
		if err != nil {
			return err
		}
		printRequest(res)
		return nil
	},
}

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List withdrawal requests, oldest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		list, err := c.WithdrawalRequests(ctx, status, limit)
		if err != nil {
			return err
		}
		for _, r := range list {
			printRequest(r)
		}
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending withdrawal request (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		res, err := c.RejectWithdrawalRequest(ctx, args[0], reason)
		if err != nil {
			return err
		}
		printRequest(res)
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Execute pending withdrawal requests in order (admin)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sub, err := newSubmitter()
		if err != nil {
			return err
		}
		results, err := sub.Drain(cmd.Context(), limit)
		for _, r := range results {
			color.Green("executed request %s at nonce %d (event %s)", r.Op.RequestID, r.Nonce, r.EventID)
		}
		if err != nil {
			return err
		}
		color.Cyan("%d requests executed, next nonce %d", len(results), sub.Nonce())
		return nil
	},
}

func printRequest(r settlement.WithdrawalRequestResponse) {
	line := fmt.Sprintf("%s %s %d %s for %s", r.ID, r.Status, r.Amount, r.Asset, r.User)
	if r.Nonce != nil {
		line += fmt.Sprintf(" at nonce %d", *r.Nonce)
	}
	if r.Reason != "" {
		line += ": " + r.Reason
	}
	switch r.Status {
	case "accepted":
		color.Green("%s", line)
	case "rejected":
		color.Red("%s", line)
	default:
		color.Yellow("%s", line)
	}
}

func init() {
	keygenCmd.Flags().StringVar(&keyOut, "out", "", "write the seed to this file instead of stdout")

	depositCmd.Flags().StringVar(&assetID, "asset", "", "asset identifier")
	depositCmd.Flags().Int64Var(&amount, "amount", 0, "amount in base units")

	withdrawCmd.Flags().Int64Var(&nonceFlag, "nonce", -1, "execution nonce (default: read from the ledger)")
	withdrawCmd.Flags().StringVar(&user, "user", "", "recipient principal")
	withdrawCmd.Flags().StringVar(&assetID, "asset", "", "asset identifier")
	withdrawCmd.Flags().Int64Var(&amount, "amount", 0, "amount in base units")

	settleCmd.Flags().Int64Var(&nonceFlag, "nonce", -1, "execution nonce (default: read from the ledger)")
	settleCmd.Flags().StringVar(&buyer, "buyer", "", "buyer principal")
	settleCmd.Flags().StringVar(&seller, "seller", "", "seller principal")
	settleCmd.Flags().StringVar(&assetSold, "asset-sold", "", "asset the seller gives")
	settleCmd.Flags().Int64Var(&amountSold, "amount-sold", 0, "amount the seller gives")
	settleCmd.Flags().StringVar(&assetBought, "asset-bought", "", "asset the buyer gives")
	settleCmd.Flags().Int64Var(&amountBought, "amount-bought", 0, "amount the buyer gives")

	submitCmd.Flags().StringVarP(&opsFile, "file", "f", "", "YAML file with a list of operations")
	_ = submitCmd.MarkFlagRequired("file")
	faucetCmd.Flags().StringVar(&user, "user", "", "holder principal (default: the signing key's)")
	faucetCmd.Flags().StringVar(&assetID, "asset", "", "asset identifier")
	faucetCmd.Flags().Int64Var(&amount, "amount", 0, "amount in base units")

	requestWithdrawalCmd.Flags().StringVar(&assetID, "asset", "", "asset identifier")
	requestWithdrawalCmd.Flags().Int64Var(&amount, "amount", 0, "amount in base units")

	requestsCmd.Flags().StringVar(&status, "status", "", "pending, accepted or rejected (default: all)")
	requestsCmd.Flags().IntVar(&limit, "limit", 100, "maximum number of requests")

	rejectCmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the request")

	drainCmd.Flags().IntVar(&limit, "limit", 100, "maximum number of requests to execute")
}
