package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"verifyci/internal/report"
)

var ledgerFlags struct {
	format string
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and verify the audit ledger",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check hashes, links and signatures of every record",
	Args:  cobra.NoArgs,
	RunE:  runLedgerVerify,
}

var ledgerInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List ledger records",
	Args:  cobra.NoArgs,
	RunE:  runLedgerInspect,
}

func init() {
	ledgerInspectCmd.Flags().StringVar(&ledgerFlags.format, "format", "table", "Output format: table, markdown or json")
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerInspectCmd)
}

var errNoLedger = errors.New("no ledger configured (set --ledger or VERIFYCI_LEDGER)")

func runLedgerVerify(cmd *cobra.Command, _ []string) error {
	l, err := openLedger(false)
	if err != nil {
		return err
	}
	if l == nil {
		return errNoLedger
	}
	if err := l.VerifyChain(); err != nil {
		return fmt.Errorf("ledger verification failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Ledger %s OK (%d records, head %s)\n", l.Path(), l.NextIndex(), shortHash(l.LastHash()))
	return nil
}

func runLedgerInspect(cmd *cobra.Command, _ []string) error {
	format, err := report.ParseFormat(ledgerFlags.format)
	if err != nil {
		return err
	}
	l, err := openLedger(false)
	if err != nil {
		return err
	}
	if l == nil {
		return errNoLedger
	}
	return report.Ledger(cmd.OutOrStdout(), l.Records(), format)
}

func shortHash(h string) string {
	if h == "" {
		return "none"
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
