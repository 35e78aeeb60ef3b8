package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"verifyci/internal/security"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage ledger signing keys",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Create the signing key pair in the keys dir if it does not exist",
	Args:  cobra.NoArgs,
	RunE:  runKeysGenerate,
}

func init() {
	keysCmd.AddCommand(keysGenerateCmd)
}

func runKeysGenerate(cmd *cobra.Command, _ []string) error {
	kp, created, err := security.EnsureKeyPair(cfg.KeysDir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if created {
		fmt.Fprintf(out, "Generated key pair in %s\n", cfg.KeysDir)
	} else {
		fmt.Fprintf(out, "Key pair already present in %s\n", cfg.KeysDir)
	}
	fmt.Fprintf(out, "public key: %x\n", []byte(kp.Public))
	return nil
}
