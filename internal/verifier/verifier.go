// Package verifier checks a claimed settlement payment against the mirror
// indexer. It is advisory: callers decide what an unverified payment means.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"decenterai/internal/account"
	"decenterai/internal/mirror"
	"decenterai/internal/retry"
	"decenterai/internal/units"
)

const transferType = "cryptotransfer"

type Indexer interface {
	Account(ctx context.Context, idOrAddress string) (*mirror.Account, error)
	Transactions(ctx context.Context, q mirror.TransactionQuery) ([]mirror.Transaction, error)
}

type Config struct {
	TokenID  string
	Decimals uint8
	// Window is the maximum distance between the payment's consensus time
	// and the reference time.
	Window   time.Duration
	Retry    retry.Policy
	PageSize int
	// MaxPages bounds the oldest-first scan used when a request carries a
	// reference time.
	MaxPages int
}

func DefaultConfig(tokenID string) Config {
	return Config{
		TokenID:  tokenID,
		Decimals: 6,
		Window:   5 * time.Minute,
		Retry:    retry.Fixed(5, 3*time.Second),
		PageSize: 20,
		MaxPages: 10,
	}
}

// Request describes the payment a client claims to have made. Sender and
// Receiver are EVM addresses.
type Request struct {
	TxHash   string
	Sender   string
	Receiver string
	Amount   decimal.Decimal
	// Reference anchors the freshness window; zero means now.
	Reference time.Time
}

type Result struct {
	Verified      bool
	TransactionID string
	Timestamp     time.Time
	Attempts      int
	Error         string
}

type Verifier struct {
	indexer Indexer
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
}

func New(indexer Indexer, cfg Config, log *zap.Logger) *Verifier {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{indexer: indexer, cfg: cfg, log: log.With(zap.String("component", "verifier")), now: time.Now}
}

// Verify looks for a successful token transfer of exactly Amount from Sender
// to Receiver near the reference time. It never returns an error; failures
// are reported in Result.Error.
func (v *Verifier) Verify(ctx context.Context, req Request) Result {
	senderRef, err := account.FromEVM(req.Sender)
	if err != nil {
		return Result{Error: fmt.Sprintf("sender: %v", err)}
	}
	receiverRef, err := account.FromEVM(req.Receiver)
	if err != nil {
		return Result{Error: fmt.Sprintf("receiver: %v", err)}
	}
	expected, err := units.FromDecimal(req.Amount, v.cfg.Decimals)
	if err != nil {
		return Result{Error: fmt.Sprintf("amount: %v", err)}
	}
	if expected.Sign() <= 0 {
		return Result{Error: "amount must be positive"}
	}

	reference := req.Reference
	anchored := !reference.IsZero()
	if !anchored {
		reference = v.now()
	}

	var (
		found    Result
		sender   = senderRef.ID()
		receiver = receiverRef.ID()
	)
	out := retry.Poll(ctx, v.cfg.Retry, func(ctx context.Context) (bool, error) {
		sender = v.resolve(ctx, senderRef, req.Sender, sender)
		receiver = v.resolve(ctx, receiverRef, req.Receiver, receiver)

		match := func(tx mirror.Transaction, ts time.Time) bool {
			if !tx.Succeeded() || !v.withinWindow(reference, ts) || !v.matches(tx, sender, receiver, expected) {
				return false
			}
			found = Result{Verified: true, TransactionID: tx.TransactionID, Timestamp: ts}
			return true
		}
		if anchored {
			return v.scanWindow(ctx, receiver, reference, match)
		}
		return v.scanLatest(ctx, receiver, match)
	})

	if out.Confirmed {
		found.Attempts = out.Attempts
		v.log.Info("payment verified",
			zap.String("tx_hash", req.TxHash),
			zap.String("transaction_id", found.TransactionID),
			zap.Int("attempts", out.Attempts))
		return found
	}

	msg := fmt.Sprintf("no matching transfer of %s from %s to %s after %d attempts", req.Amount.String(), sender, receiver, out.Attempts)
	if out.LastErr != nil {
		msg += ": " + out.LastErr.Error()
	}
	return Result{Attempts: out.Attempts, Error: msg}
}

// scanLatest checks the receiver's newest page of transfers.
func (v *Verifier) scanLatest(ctx context.Context, receiver string, match func(mirror.Transaction, time.Time) bool) (bool, error) {
	txs, err := v.indexer.Transactions(ctx, mirror.TransactionQuery{
		AccountID: receiver,
		Type:      transferType,
		Limit:     v.cfg.PageSize,
		Order:     "desc",
	})
	if err != nil {
		return false, err
	}
	for _, tx := range txs {
		ts, err := tx.ConsensusTime()
		if err != nil {
			continue
		}
		if match(tx, ts) {
			return true, nil
		}
	}
	return false, nil
}

// scanWindow pages oldest-first from the start of the window around
// reference, so later traffic on the receiver cannot push the payment out of
// view.
func (v *Verifier) scanWindow(ctx context.Context, receiver string, reference time.Time, match func(mirror.Transaction, time.Time) bool) (bool, error) {
	from := reference.Add(-v.cfg.Window)
	until := reference.Add(v.cfg.Window)
	for page := 0; page < v.cfg.MaxPages; page++ {
		txs, err := v.indexer.Transactions(ctx, mirror.TransactionQuery{
			AccountID:    receiver,
			Type:         transferType,
			Limit:        v.cfg.PageSize,
			Order:        "asc",
			TimestampGTE: from,
		})
		if err != nil {
			return false, err
		}
		last := from
		for _, tx := range txs {
			ts, err := tx.ConsensusTime()
			if err != nil {
				continue
			}
			if ts.After(until) {
				return false, nil
			}
			if match(tx, ts) {
				return true, nil
			}
			if ts.After(last) {
				last = ts
			}
		}
		if len(txs) < v.cfg.PageSize || !last.After(from) {
			return false, nil
		}
		// consensus timestamps are unique per transaction
		from = last.Add(time.Nanosecond)
	}
	v.log.Warn("window scan hit page limit", zap.String("receiver", receiver), zap.Int("pages", v.cfg.MaxPages))
	return false, nil
}

// resolve swaps an alias reference for the numeric id the indexer reports in
// transfer legs. prev is kept when the lookup fails.
func (v *Verifier) resolve(ctx context.Context, ref account.Ref, evm, prev string) string {
	if !ref.IsAlias() || prev != ref.ID() {
		return prev
	}
	acct, err := v.indexer.Account(ctx, evm)
	if err != nil {
		if !errors.Is(err, mirror.ErrAccountNotFound) {
			v.log.Debug("alias lookup failed", zap.String("address", evm), zap.Error(err))
		}
		return prev
	}
	if acct.Account == "" {
		return prev
	}
	return acct.Account
}

func (v *Verifier) withinWindow(reference, ts time.Time) bool {
	d := reference.Sub(ts)
	if d < 0 {
		d = -d
	}
	return d <= v.cfg.Window
}

func (v *Verifier) matches(tx mirror.Transaction, sender, receiver string, expected *big.Int) bool {
	negated := new(big.Int).Neg(expected)
	var debit, credit bool
	for _, leg := range tx.TokenTransfers {
		if leg.TokenID != v.cfg.TokenID {
			continue
		}
		amount := big.NewInt(leg.Amount)
		switch {
		case leg.Account == sender && amount.Cmp(negated) == 0:
			debit = true
		case leg.Account == receiver && amount.Cmp(expected) == 0:
			credit = true
		}
	}
	return debit && credit
}
