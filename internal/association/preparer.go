package association

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"decenterai/internal/chain"
)

const (
	// DefaultFundingThreshold is 0.5 HBAR in tinybars. Accounts holding more
	// are not funded again.
	DefaultFundingThreshold int64 = 50_000_000
)

// DefaultFundingAmount is 0.5 HBAR expressed in the relay's 18-decimal unit.
func DefaultFundingAmount() *big.Int {
	return new(big.Int).Mul(big.NewInt(5), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
}

// NativeSender moves native currency from the operator account.
type NativeSender interface {
	TransferNative(ctx context.Context, to common.Address, amount *big.Int) (chain.Receipt, error)
}

// PrepareResult is the answer given to a wallet asking for association help.
type PrepareResult struct {
	AlreadyAssociated bool   `json:"alreadyAssociated,omitempty"`
	NeedsAssociation  bool   `json:"needsAssociation,omitempty"`
	NativeSent        bool   `json:"hbarSent,omitempty"`
	FundingTxHash     string `json:"fundingTxHash,omitempty"`
}

// PrepareService is implemented locally by Preparer and remotely by the API
// client.
type PrepareService interface {
	Prepare(ctx context.Context, addr common.Address) (PrepareResult, error)
}

type PreparerConfig struct {
	FundingThreshold int64
	FundingAmount    *big.Int
}

// Preparer funds a wallet so it can pay the association fee itself. It never
// signs the association; only the wallet can.
type Preparer struct {
	checker *Checker
	sender  NativeSender
	cfg     PreparerConfig
	log     *zap.Logger
}

func NewPreparer(checker *Checker, sender NativeSender, cfg PreparerConfig, log *zap.Logger) *Preparer {
	if cfg.FundingThreshold <= 0 {
		cfg.FundingThreshold = DefaultFundingThreshold
	}
	if cfg.FundingAmount == nil || cfg.FundingAmount.Sign() <= 0 {
		cfg.FundingAmount = DefaultFundingAmount()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Preparer{checker: checker, sender: sender, cfg: cfg, log: log.With(zap.String("component", "association"))}
}

func (p *Preparer) Prepare(ctx context.Context, addr common.Address) (PrepareResult, error) {
	status, err := p.checker.Check(ctx, addr)
	if err != nil {
		return PrepareResult{}, fmt.Errorf("check association: %w", err)
	}
	if status.Associated {
		return PrepareResult{AlreadyAssociated: true}, nil
	}
	if status.NativeBalance > p.cfg.FundingThreshold {
		p.log.Info("wallet already funded",
			zap.String("wallet", addr.Hex()),
			zap.Int64("tinybars", status.NativeBalance))
		return PrepareResult{NeedsAssociation: true}, nil
	}

	receipt, err := p.sender.TransferNative(ctx, addr, p.cfg.FundingAmount)
	if err != nil {
		return PrepareResult{}, fmt.Errorf("fund native currency: %w", err)
	}
	p.log.Info("funded wallet for association",
		zap.String("wallet", addr.Hex()),
		zap.String("tx_hash", receipt.TxHash),
		zap.Bool("account_exists", status.AccountExists))
	return PrepareResult{NeedsAssociation: true, NativeSent: true, FundingTxHash: receipt.TxHash}, nil
}
