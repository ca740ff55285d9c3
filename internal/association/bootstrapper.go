package association

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"decenterai/internal/chain"
	"decenterai/internal/retry"
)

var (
	ErrFundsNotArrived    = errors.New("native currency for the association fee did not arrive in time")
	ErrAssociationFailed  = errors.New("association transaction failed")
	ErrAssociationPending = errors.New("association submitted but not yet visible")
)

// Outcome is the terminal state of a bootstrap run.
type Outcome string

const (
	OutcomeReady             Outcome = "ready"
	OutcomeAlreadyAssociated Outcome = "already_associated"
	// OutcomePending means the association was signed; the user should wait
	// and check again rather than sign a second time.
	OutcomePending Outcome = "pending"
	// OutcomeFailed means setup is still needed; a manual retry is allowed.
	OutcomeFailed Outcome = "failed"
)

type Report struct {
	Outcome    Outcome
	TxHash     string
	NativeSent bool
	Err        error
}

// CanHoldToken reports whether payments may proceed.
func (r Report) CanHoldToken() bool {
	return r.Outcome == OutcomeReady || r.Outcome == OutcomeAlreadyAssociated
}

// Associator signs the association as the wallet itself.
type Associator interface {
	Address() common.Address
	AssociateToken(ctx context.Context, account, token common.Address) (chain.Receipt, error)
}

type StatusChecker interface {
	Check(ctx context.Context, addr common.Address) (Status, error)
}

type BootstrapConfig struct {
	Token common.Address
	// MinNative is the tinybar balance needed before signing.
	MinNative       int64
	FundsPoll       retry.Policy
	AssociationPoll retry.Policy
	ResumePoll      retry.Policy
	SubmitRetry     retry.Policy
	PendingTTL      time.Duration
}

func DefaultBootstrapConfig(token common.Address) BootstrapConfig {
	return BootstrapConfig{
		Token:           token,
		MinNative:       10_000_000,
		FundsPoll:       retry.Fixed(10, 2*time.Second),
		AssociationPoll: retry.Fixed(10, 3*time.Second),
		ResumePoll:      retry.Fixed(5, 3*time.Second),
		SubmitRetry:     retry.Fixed(3, 2*time.Second),
		PendingTTL:      5 * time.Minute,
	}
}

type Bootstrapper struct {
	cfg      BootstrapConfig
	wallet   Associator
	checker  StatusChecker
	preparer PrepareService
	pending  PendingStore
	log      *zap.Logger
	now      func() time.Time
}

func NewBootstrapper(cfg BootstrapConfig, wallet Associator, checker StatusChecker, preparer PrepareService, pending PendingStore, log *zap.Logger) *Bootstrapper {
	if pending == nil {
		pending = NewMemoryPendingStore()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bootstrapper{
		cfg:      cfg,
		wallet:   wallet,
		checker:  checker,
		preparer: preparer,
		pending:  pending,
		log:      log.With(zap.String("component", "bootstrapper"), zap.String("wallet", wallet.Address().Hex())),
		now:      time.Now,
	}
}

// Run takes the wallet from unknown state to able-to-hold-token, resuming a
// previously submitted association when one is pending.
func (b *Bootstrapper) Run(ctx context.Context) Report {
	addr := b.wallet.Address()

	if rep, resumed := b.resume(ctx, addr); resumed {
		return rep
	}

	status, err := b.checker.Check(ctx, addr)
	if err != nil {
		return Report{Outcome: OutcomeFailed, Err: err}
	}
	if status.Associated {
		return Report{Outcome: OutcomeAlreadyAssociated}
	}

	prep, err := b.preparer.Prepare(ctx, addr)
	if err != nil {
		return Report{Outcome: OutcomeFailed, Err: fmt.Errorf("prepare association: %w", err)}
	}
	if prep.AlreadyAssociated {
		return Report{Outcome: OutcomeAlreadyAssociated}
	}

	if !b.WaitForNativeFunds(ctx) {
		return Report{Outcome: OutcomeFailed, NativeSent: prep.NativeSent, Err: ErrFundsNotArrived}
	}

	rep := b.associate(ctx)
	rep.NativeSent = prep.NativeSent
	return rep
}

// Retry is the manual path after a failed run: the wallet was funded, so
// only the signing and confirmation steps are repeated.
func (b *Bootstrapper) Retry(ctx context.Context) Report {
	return b.associate(ctx)
}

// WaitForNativeFunds polls the indexer until the wallet can pay the fee.
func (b *Bootstrapper) WaitForNativeFunds(ctx context.Context) bool {
	addr := b.wallet.Address()
	out := retry.Poll(ctx, b.cfg.FundsPoll, func(ctx context.Context) (bool, error) {
		status, err := b.checker.Check(ctx, addr)
		if err != nil {
			return false, err
		}
		return status.HasNative(b.cfg.MinNative), nil
	})
	if out.TimedOut() {
		b.log.Warn("native funds not visible", zap.Int("attempts", out.Attempts), zap.Error(out.LastErr))
	}
	return out.Confirmed
}

// SubmitAssociation signs and sends the association. Right after funding the
// relay may still report insufficient funds; only that error is retried.
func (b *Bootstrapper) SubmitAssociation(ctx context.Context) (chain.Receipt, error) {
	addr := b.wallet.Address()
	var receipt chain.Receipt
	attempt := 0
	err := retry.Do(ctx, b.cfg.SubmitRetry, func(ctx context.Context) error {
		attempt++
		r, err := b.wallet.AssociateToken(ctx, addr, b.cfg.Token)
		if err != nil {
			if chain.IsInsufficientFunds(err) {
				b.log.Info("consensus lag, retrying association", zap.Int("attempt", attempt), zap.Error(err))
			}
			return err
		}
		receipt = r
		return nil
	}, chain.IsInsufficientFunds)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("%w: %v", ErrAssociationFailed, err)
	}
	return receipt, nil
}

// PollUntilAssociated reports whether the indexer shows the association
// within the policy. Indexer errors count as not yet.
func (b *Bootstrapper) PollUntilAssociated(ctx context.Context, policy retry.Policy) bool {
	addr := b.wallet.Address()
	out := retry.Poll(ctx, policy, func(ctx context.Context) (bool, error) {
		status, err := b.checker.Check(ctx, addr)
		if err != nil {
			return false, err
		}
		return status.Associated, nil
	})
	return out.Confirmed
}

func (b *Bootstrapper) associate(ctx context.Context) Report {
	receipt, err := b.SubmitAssociation(ctx)
	if err != nil {
		return Report{Outcome: OutcomeFailed, Err: err}
	}

	if b.PollUntilAssociated(ctx, b.cfg.AssociationPoll) {
		b.clearPending(ctx)
		b.log.Info("association confirmed", zap.String("tx_hash", receipt.TxHash))
		return Report{Outcome: OutcomeReady, TxHash: receipt.TxHash}
	}

	p := Pending{Account: b.wallet.Address().Hex(), SubmittedAt: b.now(), TxHash: receipt.TxHash}
	if err := b.pending.Save(ctx, p); err != nil {
		b.log.Error("failed to persist pending association", zap.Error(err))
	}
	return Report{Outcome: OutcomePending, TxHash: receipt.TxHash, Err: ErrAssociationPending}
}

func (b *Bootstrapper) resume(ctx context.Context, addr common.Address) (Report, bool) {
	p, err := b.pending.Load(ctx)
	if err != nil {
		b.log.Warn("discarding unreadable pending association", zap.Error(err))
		b.clearPending(ctx)
		return Report{}, false
	}
	if p == nil {
		return Report{}, false
	}
	if !strings.EqualFold(p.Account, addr.Hex()) || b.now().Sub(p.SubmittedAt) >= b.cfg.PendingTTL {
		b.clearPending(ctx)
		return Report{}, false
	}

	b.log.Info("checking pending association", zap.String("tx_hash", p.TxHash))
	if b.PollUntilAssociated(ctx, b.cfg.ResumePoll) {
		b.clearPending(ctx)
		return Report{Outcome: OutcomeReady, TxHash: p.TxHash}, true
	}
	return Report{Outcome: OutcomePending, TxHash: p.TxHash, Err: ErrAssociationPending}, true
}

func (b *Bootstrapper) clearPending(ctx context.Context) {
	if err := b.pending.Clear(ctx); err != nil {
		b.log.Warn("failed to clear pending association", zap.Error(err))
	}
}
