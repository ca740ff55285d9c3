// Package payment turns a client-submitted settlement transaction into
// reward tokens and a payment record, then reconciles the claim against the
// indexer out of band.
//
// The hash returned by the client's signer is accepted as proof of payment
// without a synchronous indexer check. Credits are issued optimistically and
// the background verifier is the consistency backstop: a claim it cannot
// match is flagged fraud_suspected and alerted, never reversed.
package payment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"decenterai/internal/alerts"
	"decenterai/internal/ledger"
	"decenterai/internal/reward"
	"decenterai/internal/units"
	"decenterai/internal/users"
	"decenterai/internal/verifier"
)

var (
	ErrUnauthenticated   = errors.New("unauthorized - please log in")
	ErrUnknownUser       = errors.New("user not found")
	ErrInvalidClaim      = errors.New("invalid payment claim")
	ErrOwnershipMismatch = errors.New("sender address does not match your wallet")
	ErrAlreadyProcessed  = errors.New("transaction already processed")
)

// InvalidClaimError carries a client-facing reason and matches
// ErrInvalidClaim.
type InvalidClaimError struct {
	Reason string
}

func (e *InvalidClaimError) Error() string { return "invalid payment claim: " + e.Reason }

func (e *InvalidClaimError) Unwrap() error { return ErrInvalidClaim }

func invalid(reason string) error { return &InvalidClaimError{Reason: reason} }

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{1,128}$`)

// Claim is what the client asserts it paid.
type Claim struct {
	TransactionHash string          `json:"transactionHash"`
	SenderAddress   string          `json:"senderAddress"`
	ReceiverAddress string          `json:"receiverAddress"`
	Amount          decimal.Decimal `json:"amount"`
	Credits         int64           `json:"credits"`
}

// Outcome of an accepted claim. DisbursementFailed claims are still a
// success from the client's point of view: the settlement payment happened.
type Outcome struct {
	UserID             string
	Claim              Claim
	Reward             reward.Result
	DisbursementFailed bool
	RecordPersisted    bool
	CreditsToAdd       int64
}

type Directory interface {
	GetUserByWallet(ctx context.Context, wallet string) (*users.User, error)
}

type Disburser interface {
	Disburse(ctx context.Context, recipient string, credits int64) reward.Result
}

type Verifier interface {
	Verify(ctx context.Context, req verifier.Request) verifier.Result
}

// Observer receives pipeline counters.
type Observer interface {
	ObservePayment(status string)
	ObserveDisbursement(result string)
	ObserveVerification(result string)
}

type nopObserver struct{}

func (nopObserver) ObservePayment(string)      {}
func (nopObserver) ObserveDisbursement(string) {}
func (nopObserver) ObserveVerification(string) {}

type Config struct {
	// Receiver is the settlement account every claim must pay.
	Receiver            common.Address
	CreditsPerUnit      int64
	VerificationDelay   time.Duration
	VerificationTimeout time.Duration
}

type Orchestrator struct {
	users     Directory
	store     ledger.Store
	disburser Disburser
	verifier  Verifier
	alerts    alerts.Publisher
	observer  Observer
	cfg       Config
	log       *zap.Logger
	now       func() time.Time

	inflight sync.WaitGroup
}

type Option func(*Orchestrator)

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func New(dir Directory, store ledger.Store, disburser Disburser, v Verifier, pub alerts.Publisher, cfg Config, log *zap.Logger, opts ...Option) *Orchestrator {
	if cfg.CreditsPerUnit <= 0 {
		cfg.CreditsPerUnit = 100
	}
	if cfg.VerificationDelay <= 0 {
		cfg.VerificationDelay = 10 * time.Second
	}
	if cfg.VerificationTimeout <= 0 {
		cfg.VerificationTimeout = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	if pub == nil {
		pub = alerts.NewLogPublisher(log)
	}
	o := &Orchestrator{
		users:     dir,
		store:     store,
		disburser: disburser,
		verifier:  v,
		alerts:    pub,
		observer:  nopObserver{},
		cfg:       cfg,
		log:       log.With(zap.String("component", "payment")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit runs the claim through authentication, validation, ownership,
// deduplication, disbursement and persistence, then schedules background
// verification. Rejections return one of the package errors; a nil error
// means the claim was accepted.
func (o *Orchestrator) Submit(ctx context.Context, wallet string, claim Claim) (Outcome, error) {
	if strings.TrimSpace(wallet) == "" {
		return Outcome{}, ErrUnauthenticated
	}
	user, err := o.users.GetUserByWallet(ctx, wallet)
	if errors.Is(err, users.ErrNotFound) || errors.Is(err, users.ErrMissingWallet) {
		return Outcome{}, ErrUnknownUser
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := o.validate(claim); err != nil {
		return Outcome{}, err
	}

	if !strings.EqualFold(claim.SenderAddress, user.Wallet) {
		o.log.Warn("wallet mismatch",
			zap.Bool("security", true),
			zap.String("sender", claim.SenderAddress),
			zap.String("user_wallet", user.Wallet),
			zap.String("user_id", user.ID))
		return Outcome{}, ErrOwnershipMismatch
	}

	hash := ledger.NormalizeHash(claim.TransactionHash)
	existing, err := o.store.Get(ctx, hash)
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup payment: %w", err)
	}
	if existing != nil {
		return Outcome{}, ErrAlreadyProcessed
	}
	if err := o.store.Reserve(ctx, hash, user.ID); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			return Outcome{}, ErrAlreadyProcessed
		}
		return Outcome{}, fmt.Errorf("reserve claim: %w", err)
	}

	// The reward transfer and its record must not be abandoned halfway if
	// the client goes away.
	ctx = context.WithoutCancel(ctx)

	o.log.Info("payment claim accepted",
		zap.String("tx_hash", hash),
		zap.String("user_id", user.ID),
		zap.String("sender", claim.SenderAddress),
		zap.String("amount", claim.Amount.String()),
		zap.Int64("credits", claim.Credits))

	out := Outcome{UserID: user.ID, Claim: claim, CreditsToAdd: claim.Credits}
	out.Reward = o.disburser.Disburse(ctx, claim.SenderAddress, claim.Credits)
	if !out.Reward.Success {
		o.observer.ObserveDisbursement("failed")
		o.observer.ObservePayment("disbursement_failed")
		out.DisbursementFailed = true
		if err := o.store.MarkReservation(ctx, hash, ledger.ReservationDisbursementFailed); err != nil {
			o.log.Error("failed to mark reservation", zap.String("tx_hash", hash), zap.Error(err))
		}
		o.alert(ctx, alerts.Event{
			Kind:            alerts.KindDisbursementFailed,
			TransactionHash: hash,
			UserID:          user.ID,
			WalletAddress:   claim.SenderAddress,
			Credits:         claim.Credits,
			Detail:          out.Reward.Error,
		})
		return out, nil
	}
	o.observer.ObserveDisbursement("sent")

	rec := ledger.Record{
		UserID:                user.ID,
		WalletAddress:         claim.SenderAddress,
		TransactionHash:       hash,
		RewardTransactionHash: out.Reward.TxHash,
		AmountUSDC:            claim.Amount,
		Credits:               claim.Credits,
		Status:                ledger.StatusConfirmed,
		CreatedAt:             o.now().UTC(),
	}
	if err := o.store.Insert(ctx, rec); err != nil {
		o.log.Error("reward sent, record missing",
			zap.String("tx_hash", hash),
			zap.String("reward_tx_hash", out.Reward.TxHash),
			zap.String("user_id", user.ID),
			zap.Int64("credits", claim.Credits),
			zap.Error(err))
		o.observer.ObservePayment("record_missing")
		o.alert(ctx, alerts.Event{
			Kind:                  alerts.KindRecordMissing,
			TransactionHash:       hash,
			UserID:                user.ID,
			WalletAddress:         claim.SenderAddress,
			Credits:               claim.Credits,
			RewardTransactionHash: out.Reward.TxHash,
			Detail:                err.Error(),
		})
	} else {
		out.RecordPersisted = true
		o.observer.ObservePayment(string(ledger.StatusConfirmed))
		if err := o.store.MarkReservation(ctx, hash, ledger.ReservationPersisted); err != nil {
			o.log.Warn("failed to mark reservation", zap.String("tx_hash", hash), zap.Error(err))
		}
	}

	o.scheduleVerification(rec)
	return out, nil
}

func (o *Orchestrator) validate(c Claim) error {
	if strings.TrimSpace(c.TransactionHash) == "" || c.SenderAddress == "" || c.ReceiverAddress == "" ||
		c.Amount.IsZero() || c.Credits == 0 {
		return invalid("Missing required fields")
	}
	if !txHashPattern.MatchString(strings.TrimSpace(c.TransactionHash)) {
		return invalid("Malformed transaction hash")
	}
	if !common.IsHexAddress(c.SenderAddress) || !common.IsHexAddress(c.ReceiverAddress) {
		return invalid("Malformed address")
	}
	if o.cfg.Receiver != (common.Address{}) && common.HexToAddress(c.ReceiverAddress) != o.cfg.Receiver {
		return invalid("Receiver is not the settlement account")
	}
	if !c.Amount.IsPositive() || c.Credits < 0 {
		return invalid("Amount and credits must be positive")
	}
	credits, err := units.CreditsFromDecimal(c.Amount, o.cfg.CreditsPerUnit)
	if err != nil || credits != c.Credits {
		return invalid(fmt.Sprintf("Amount %s does not buy %d credits", c.Amount.String(), c.Credits))
	}
	return nil
}

// scheduleVerification runs VerifyRecord after the indexer has had time to
// catch up. The timer is detached from the request.
func (o *Orchestrator) scheduleVerification(rec ledger.Record) {
	o.inflight.Add(1)
	time.AfterFunc(o.cfg.VerificationDelay, func() {
		defer o.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.VerificationTimeout)
		defer cancel()
		o.VerifyRecord(ctx, rec)
	})
}

// VerifyRecord checks a confirmed record against the indexer and moves it to
// verified or fraud_suspected. The record's creation time anchors the
// freshness window.
func (o *Orchestrator) VerifyRecord(ctx context.Context, rec ledger.Record) ledger.Status {
	res := o.verifier.Verify(ctx, verifier.Request{
		TxHash:    rec.TransactionHash,
		Sender:    rec.WalletAddress,
		Receiver:  o.cfg.Receiver.Hex(),
		Amount:    rec.AmountUSDC,
		Reference: rec.CreatedAt,
	})

	if res.Verified {
		o.observer.ObserveVerification("verified")
		at := o.now().UTC()
		if err := o.store.UpdateStatus(ctx, rec.TransactionHash, ledger.StatusVerified, &at); err != nil {
			o.log.Error("failed to mark payment verified", zap.String("tx_hash", rec.TransactionHash), zap.Error(err))
		} else {
			o.log.Info("background verification succeeded",
				zap.String("tx_hash", rec.TransactionHash),
				zap.String("transaction_id", res.TransactionID))
		}
		return ledger.StatusVerified
	}

	o.observer.ObserveVerification("fraud_suspected")
	o.log.Error("fraud alert: background verification failed",
		zap.String("tx_hash", rec.TransactionHash),
		zap.String("sender", rec.WalletAddress),
		zap.String("user_id", rec.UserID),
		zap.String("reason", res.Error))
	if err := o.store.UpdateStatus(ctx, rec.TransactionHash, ledger.StatusFraudSuspected, nil); err != nil {
		o.log.Error("failed to flag payment", zap.String("tx_hash", rec.TransactionHash), zap.Error(err))
	}
	o.alert(ctx, alerts.Event{
		Kind:                  alerts.KindFraudSuspected,
		TransactionHash:       rec.TransactionHash,
		UserID:                rec.UserID,
		WalletAddress:         rec.WalletAddress,
		Credits:               rec.Credits,
		RewardTransactionHash: rec.RewardTransactionHash,
		Detail:                res.Error,
	})
	return ledger.StatusFraudSuspected
}

func (o *Orchestrator) alert(ctx context.Context, event alerts.Event) {
	if err := o.alerts.Publish(ctx, event); err != nil {
		o.log.Error("failed to publish alert", zap.String("kind", string(event.Kind)), zap.String("tx_hash", event.TransactionHash), zap.Error(err))
	}
}

// Drain waits for scheduled verifications to finish or ctx to end.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
