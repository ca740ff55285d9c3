package main

import (
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"decenterai/internal/units"
)

const tinybarDecimals = 8

func balanceCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show native and USDC balances for the wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWallet(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			defer w.Close()

			status, err := w.checker.Check(cmd.Context(), w.chain.Address())
			if err != nil {
				return err
			}
			fmt.Printf("Wallet:  %s\n", w.chain.Address().Hex())
			if !status.AccountExists {
				fmt.Println("Account: not found on the ledger yet")
				return nil
			}
			fmt.Printf("Account: %s\n", status.AccountID)
			fmt.Printf("HBAR:    %s\n", units.ToDecimal(big.NewInt(status.NativeBalance), tinybarDecimals))
			if !status.Associated {
				fmt.Println("USDC:    not associated (run setup)")
				return nil
			}
			fmt.Printf("USDC:    %s\n", units.ToDecimal(big.NewInt(status.TokenBalance), w.cfg.Settlement.TokenDecimals))
			return nil
		},
	}
}
