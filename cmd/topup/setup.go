package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"decenterai/internal/association"
)

func setupCmd(configFile *string) *cobra.Command {
	var retry bool
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Associate the wallet with USDC so it can hold the token",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWallet(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			defer w.Close()

			b := w.bootstrapper()
			report := b.Run(cmd.Context())
			if retry && report.Outcome == association.OutcomeFailed {
				fmt.Println("Setup failed, retrying once...")
				report = b.Retry(cmd.Context())
			}
			return printReport(report)
		},
	}
	cmd.Flags().BoolVar(&retry, "retry", false, "retry once if setup fails")
	return cmd
}

func printReport(r association.Report) error {
	switch r.Outcome {
	case association.OutcomeAlreadyAssociated:
		fmt.Println("Wallet already holds USDC association.")
	case association.OutcomeReady:
		fmt.Println("Wallet is ready to receive USDC.")
	case association.OutcomePending:
		fmt.Println("Association submitted; it is not visible yet. Run setup again in a minute instead of signing twice.")
	default:
		return fmt.Errorf("setup failed: %w", r.Err)
	}
	if r.NativeSent {
		fmt.Println("  Server funded the association fee.")
	}
	if r.TxHash != "" {
		fmt.Printf("  Association tx: %s\n", r.TxHash)
	}
	return nil
}
