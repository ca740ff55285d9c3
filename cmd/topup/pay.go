package main

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"decenterai/internal/payment"
	"decenterai/internal/units"
)

var errInsufficientUSDC = errors.New("insufficient USDC balance")

func payCmd(configFile *string) *cobra.Command {
	var credits int64
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Pay USDC to the settlement account and claim credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			if credits <= 0 {
				return errors.New("--credits must be positive")
			}
			w, err := openWallet(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			defer w.Close()
			ctx := cmd.Context()

			decimals := w.cfg.Settlement.TokenDecimals
			amount := units.SettlementFromCredits(credits, decimals, w.cfg.Payment.CreditsPerUnit)
			if amount.Sign() <= 0 {
				return fmt.Errorf("%d credits is below the smallest payable amount", credits)
			}

			status, err := w.checker.Check(ctx, w.chain.Address())
			if err != nil {
				return err
			}
			if !status.Associated {
				return errors.New("wallet is not associated with USDC; run setup first")
			}
			if big.NewInt(status.TokenBalance).Cmp(amount) < 0 {
				return fmt.Errorf("%w: have %s, need %s", errInsufficientUSDC,
					units.ToDecimal(big.NewInt(status.TokenBalance), decimals),
					units.ToDecimal(amount, decimals))
			}

			receiver := common.HexToAddress(w.cfg.Settlement.ReceiverAddress)
			fmt.Printf("Sending %s USDC to %s...\n", units.ToDecimal(amount, decimals), receiver.Hex())
			receipt, err := w.chain.TransferToken(ctx, w.token(), receiver, amount)
			if err != nil {
				return fmt.Errorf("payment transfer: %w", err)
			}
			fmt.Printf("  Payment tx: %s\n", receipt.TxHash)

			if err := w.api.CreateSession(ctx, w.chain.Address()); err != nil {
				return fmt.Errorf("open session: %w", err)
			}
			resp, err := w.api.SubmitPayment(ctx, payment.Claim{
				TransactionHash: receipt.TxHash,
				SenderAddress:   w.chain.Address().Hex(),
				ReceiverAddress: receiver.Hex(),
				Amount:          units.ToDecimal(amount, decimals),
				Credits:         credits,
			})
			if err != nil {
				w.log.Error("payment claim rejected", zap.String("tx_hash", receipt.TxHash), zap.Error(err))
				return fmt.Errorf("claim credits for %s: %w", receipt.TxHash, err)
			}

			fmt.Println(resp.Message)
			fmt.Printf("  Credits: %d\n", resp.CreditsToAdd)
			if resp.Transaction.ExplorerURL != "" {
				fmt.Printf("  Payment: %s\n", resp.Transaction.ExplorerURL)
			}
			if resp.Partial() {
				fmt.Printf("Warning: %s (%s)\n", resp.Warning, resp.TokenError)
				return nil
			}
			if resp.RewardTokens != nil {
				fmt.Printf("  UNREAL:  %d (%s)\n", resp.RewardTokens.Amount, resp.RewardTokens.ExplorerURL)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&credits, "credits", 0, "credits to buy")
	_ = cmd.MarkFlagRequired("credits")
	return cmd
}
