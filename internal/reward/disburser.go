// Package reward pays out reward tokens on the reward chain from the
// treasury account.
package reward

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"decenterai/internal/chain"
	"decenterai/internal/units"
)

// TokenSender transfers an ERC-20 token from the treasury signer.
type TokenSender interface {
	TransferToken(ctx context.Context, token, to common.Address, amount *big.Int) (chain.Receipt, error)
}

type Config struct {
	Token    common.Address
	Decimals uint8
}

// Result is the structured outcome of one disbursement. Failures never
// surface as errors or panics.
type Result struct {
	Success bool
	TxHash  string
	Amount  *big.Int
	Error   string
}

type Disburser struct {
	sender TokenSender
	cfg    Config
	log    *zap.Logger
}

func NewDisburser(sender TokenSender, cfg Config, log *zap.Logger) *Disburser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Disburser{sender: sender, cfg: cfg, log: log.With(zap.String("component", "reward"))}
}

// Disburse sends credits whole reward tokens to recipient and waits for the
// receipt. Failed transfers are never retried here.
func (d *Disburser) Disburse(ctx context.Context, recipient string, credits int64) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("reward transfer panicked", zap.Any("panic", r))
			res = Result{Error: "reward transfer failed unexpectedly"}
		}
	}()

	if !common.IsHexAddress(recipient) {
		return Result{Error: "invalid recipient address"}
	}
	if credits <= 0 {
		return Result{Error: "credits must be positive"}
	}

	amount := units.RewardFromCredits(credits, d.cfg.Decimals)
	receipt, err := d.sender.TransferToken(ctx, d.cfg.Token, common.HexToAddress(recipient), amount)
	if err != nil {
		msg := err.Error()
		var chainErr *chain.Error
		if errors.As(err, &chainErr) {
			msg = chainErr.Message
		}
		d.log.Error("reward transfer failed",
			zap.String("recipient", recipient),
			zap.Int64("credits", credits),
			zap.String("tx_hash", receipt.TxHash),
			zap.Error(err))
		return Result{TxHash: receipt.TxHash, Amount: amount, Error: msg}
	}

	d.log.Info("reward disbursed",
		zap.String("recipient", recipient),
		zap.Int64("credits", credits),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", receipt.TxHash))
	return Result{Success: true, TxHash: receipt.TxHash, Amount: amount}
}
