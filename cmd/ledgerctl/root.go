package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lumendark/lumendark/internal/auth"
	"github.com/lumendark/lumendark/internal/client"
	"github.com/lumendark/lumendark/internal/logging"
)

const (
	defaultURL     = "http://localhost:8080/api/v1"
	requestTimeout = 30 * time.Second
)

var (
	apiURL   string
	keyHex   string
	keyFile  string
	logLevel string

	rootCmd = &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Custodial settlement ledger CLI",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
)

func init() {
	cobra.EnablePrefixMatching = true
	rootCmd.PersistentFlags().StringVar(&apiURL, "url", envOr("LEDGER_URL", defaultURL), "ledger API base URL")
	rootCmd.PersistentFlags().StringVar(&keyHex, "key", os.Getenv("LEDGER_KEY"), "hex ed25519 seed or private key")
	rootCmd.PersistentFlags().StringVar(&keyFile, "key-file", "", "file holding the hex key")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level for submitter output")

	rootCmd.AddCommand(
		keygenCmd,
		depositCmd,
		withdrawCmd,
		settleCmd,
		balanceCmd,
		nonceCmd,
		submitCmd,
		faucetCmd,
		requestWithdrawalCmd,
		requestCmd,
		requestsCmd,
		rejectCmd,
		drainCmd,
	)
}

func loadKey() (ed25519.PrivateKey, error) {
	raw := keyHex
	if keyFile != "" {
		b, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		raw = string(b)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("a signing key is required (--key, --key-file or LEDGER_KEY)")
	}
	return auth.ParsePrivateKey(raw)
}

// newClient returns a client signing with the configured key. Read commands
// pass signed=false and work without one.
func newClient(signed bool) (*client.Client, error) {
	var key ed25519.PrivateKey
	if signed {
		var err error
		if key, err = loadKey(); err != nil {
			return nil, err
		}
	}
	return client.New(apiURL, key)
}

func newSubmitter() (*client.Submitter, error) {
	c, err := newClient(true)
	if err != nil {
		return nil, err
	}
	return client.NewSubmitter(c, logging.New(logLevel, "text")), nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
