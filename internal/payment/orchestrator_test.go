package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"decenterai/internal/alerts"
	"decenterai/internal/chain"
	"decenterai/internal/ledger"
	"decenterai/internal/reward"
	"decenterai/internal/users"
	"decenterai/internal/verifier"
)

var (
	receiver    = common.HexToAddress("0x00000000000000000000000000000000006ddaeb")
	rewardToken = common.HexToAddress("0xA409B5E5D34928a0F1165c7a73c8aC572D1aBCDB")
	treasury    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	wallet      = "0x5b38da6a701c568545dcfcb03fcb875f56beddc4"
	otherWallet = "0x0000000000000000000000000000000000000bad"
	txHash      = "0xABC123"
)

type stubVerifier struct {
	mu       sync.Mutex
	verified bool
	requests []verifier.Request
}

func (s *stubVerifier) Verify(_ context.Context, req verifier.Request) verifier.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.verified {
		return verifier.Result{Verified: true, TransactionID: "0.0.1001-1700000000-000000001", Attempts: 1}
	}
	return verifier.Result{Attempts: 5, Error: "no matching transfer found"}
}

func (s *stubVerifier) setVerified(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified = v
}

func (s *stubVerifier) Requests() []verifier.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]verifier.Request(nil), s.requests...)
}

type harness struct {
	orch     *Orchestrator
	store    *ledger.MemoryStore
	chain    *chain.FakeChain
	verifier *stubVerifier
	alerts   *alerts.Recorder
	userID   string
}

func newHarness(t *testing.T, log *zap.Logger) *harness {
	t.Helper()
	if log == nil {
		log = zaptest.NewLogger(t)
	}
	dir := users.NewMemoryDirectory(users.User{Wallet: wallet, IsActive: true})
	u, err := dir.GetUserByWallet(context.Background(), wallet)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	h := &harness{
		store:    ledger.NewMemoryStore(),
		chain:    chain.NewFakeChain(treasury),
		verifier: &stubVerifier{verified: true},
		alerts:   &alerts.Recorder{},
		userID:   u.ID,
	}
	disburser := reward.NewDisburser(h.chain, reward.Config{Token: rewardToken, Decimals: 18}, log)
	h.orch = New(dir, h.store, disburser, h.verifier, h.alerts, Config{
		Receiver:          receiver,
		CreditsPerUnit:    100,
		VerificationDelay: time.Millisecond,
	}, log)
	return h
}

func validClaim() Claim {
	return Claim{
		TransactionHash: txHash,
		SenderAddress:   wallet,
		ReceiverAddress: receiver.Hex(),
		Amount:          decimal.RequireFromString("5.00"),
		Credits:         500,
	}
}

func drain(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestSubmitDisbursesAndVerifies(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.orch.Submit(context.Background(), wallet, validClaim())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.Reward.Success || out.DisbursementFailed || !out.RecordPersisted || out.CreditsToAdd != 500 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(h.chain.Calls(chain.OpTokenTransfer)) != 1 {
		t.Fatalf("expected exactly one reward transfer")
	}

	rec, _ := h.store.Get(context.Background(), txHash)
	if rec == nil || rec.Status != ledger.StatusConfirmed && rec.Status != ledger.StatusVerified {
		t.Fatalf("expected persisted record, got %+v", rec)
	}
	if rec.RewardTransactionHash != out.Reward.TxHash || rec.UserID != h.userID {
		t.Fatalf("record does not match outcome: %+v", rec)
	}

	drain(t, h.orch)
	rec, _ = h.store.Get(context.Background(), txHash)
	if rec.Status != ledger.StatusVerified || rec.VerifiedAt == nil {
		t.Fatalf("expected verified record, got %+v", rec)
	}
	reqs := h.verifier.Requests()
	if len(reqs) != 1 || reqs[0].Receiver != receiver.Hex() || !reqs[0].Amount.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("unexpected verification requests %+v", reqs)
	}
	if res, _ := h.store.Reservation(txHash); res.State != ledger.ReservationPersisted {
		t.Fatalf("expected persisted reservation, got %q", res.State)
	}
}

func TestSubmitRejectsUnauthenticated(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.orch.Submit(context.Background(), "", validClaim()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, err := h.orch.Submit(context.Background(), otherWallet, validClaim()); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected unknown user, got %v", err)
	}
	if len(h.chain.Calls(chain.OpTokenTransfer)) != 0 {
		t.Fatalf("no transfer expected")
	}
}

func TestSubmitValidatesClaim(t *testing.T) {
	h := newHarness(t, nil)

	cases := map[string]func(*Claim){
		"missing hash":     func(c *Claim) { c.TransactionHash = "" },
		"missing credits":  func(c *Claim) { c.Credits = 0 },
		"malformed hash":   func(c *Claim) { c.TransactionHash = "abc" },
		"malformed sender": func(c *Claim) { c.SenderAddress = "0xUSER" },
		"foreign receiver": func(c *Claim) { c.ReceiverAddress = otherWallet },
		"amount mismatch":  func(c *Claim) { c.Credits = 600 },
		"negative amount":  func(c *Claim) { c.Amount = decimal.NewFromInt(-5); c.Credits = -500 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validClaim()
			mutate(&c)
			if _, err := h.orch.Submit(context.Background(), wallet, c); !errors.Is(err, ErrInvalidClaim) {
				t.Fatalf("expected invalid claim, got %v", err)
			}
		})
	}
	if len(h.chain.Calls(chain.OpTokenTransfer)) != 0 {
		t.Fatalf("no transfer expected")
	}
}

func TestSubmitRejectsForeignSender(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, zap.New(core))

	c := validClaim()
	c.SenderAddress = otherWallet
	if _, err := h.orch.Submit(context.Background(), wallet, c); !errors.Is(err, ErrOwnershipMismatch) {
		t.Fatalf("expected ownership mismatch, got %v", err)
	}
	entries := logs.FilterMessage("wallet mismatch").All()
	if len(entries) != 1 || entries[0].ContextMap()["security"] != true {
		t.Fatalf("expected security warning, got %+v", entries)
	}
	if rec, _ := h.store.Get(context.Background(), txHash); rec != nil {
		t.Fatalf("no record expected")
	}
}

func TestSubmitAcceptsMixedCaseSender(t *testing.T) {
	h := newHarness(t, nil)
	c := validClaim()
	c.SenderAddress = common.HexToAddress(wallet).Hex()

	if _, err := h.orch.Submit(context.Background(), wallet, c); err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(t, h.orch)
}

func TestSubmitRejectsReplay(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.orch.Submit(context.Background(), wallet, validClaim()); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	replay := validClaim()
	replay.TransactionHash = "0xabc123"
	if _, err := h.orch.Submit(context.Background(), wallet, replay); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected already processed, got %v", err)
	}
	if len(h.chain.Calls(chain.OpTokenTransfer)) != 1 {
		t.Fatalf("replay must not disburse again")
	}
	drain(t, h.orch)
}

func TestConcurrentClaimsDisburseOnce(t *testing.T) {
	h := newHarness(t, zap.NewNop())

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Submit(context.Background(), wallet, validClaim())
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else if !errors.Is(err, ErrAlreadyProcessed) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Fatalf("expected one accepted claim, got %d", accepted)
	}
	if len(h.chain.Calls(chain.OpTokenTransfer)) != 1 {
		t.Fatalf("expected one transfer")
	}
	drain(t, h.orch)
}

func TestDisbursementFailureIsPartialSuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.chain.FailNext(chain.OpTokenTransfer, errors.New("insufficient funds for gas * price + value"))

	out, err := h.orch.Submit(context.Background(), wallet, validClaim())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.DisbursementFailed || out.Reward.Success || out.Reward.Error == "" || out.CreditsToAdd != 500 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if rec, _ := h.store.Get(context.Background(), txHash); rec != nil {
		t.Fatalf("no record expected after failed disbursement")
	}
	if res, _ := h.store.Reservation(txHash); res.State != ledger.ReservationDisbursementFailed {
		t.Fatalf("expected failed reservation, got %q", res.State)
	}
	if len(h.alerts.Events(alerts.KindDisbursementFailed)) != 1 {
		t.Fatalf("expected disbursement alert")
	}

	if _, err := h.orch.Submit(context.Background(), wallet, validClaim()); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("failed claim must not be retried by the client, got %v", err)
	}
	drain(t, h.orch)
	if len(h.verifier.Requests()) != 0 {
		t.Fatalf("no verification expected without a disbursement")
	}
}

func TestFailedVerificationFlagsFraud(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.setVerified(false)

	if _, err := h.orch.Submit(context.Background(), wallet, validClaim()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(t, h.orch)

	rec, _ := h.store.Get(context.Background(), txHash)
	if rec.Status != ledger.StatusFraudSuspected || rec.VerifiedAt != nil {
		t.Fatalf("expected fraud_suspected, got %+v", rec)
	}
	events := h.alerts.Events(alerts.KindFraudSuspected)
	if len(events) != 1 || events[0].RewardTransactionHash != rec.RewardTransactionHash {
		t.Fatalf("expected fraud alert, got %+v", events)
	}
	if len(h.chain.Calls(chain.OpTokenTransfer)) != 1 {
		t.Fatalf("flagging must not touch issued rewards")
	}
}

type failingInsertStore struct {
	*ledger.MemoryStore
}

func (failingInsertStore) Insert(context.Context, ledger.Record) error {
	return errors.New("connection reset")
}

func TestInsertFailureAlertsRecordMissing(t *testing.T) {
	h := newHarness(t, nil)
	store := failingInsertStore{h.store}
	h.orch.store = store

	out, err := h.orch.Submit(context.Background(), wallet, validClaim())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.Reward.Success || out.RecordPersisted {
		t.Fatalf("unexpected outcome %+v", out)
	}
	events := h.alerts.Events(alerts.KindRecordMissing)
	if len(events) != 1 || events[0].RewardTransactionHash != out.Reward.TxHash {
		t.Fatalf("expected record_missing alert, got %+v", events)
	}
	if res, _ := h.store.Reservation(txHash); res.State != ledger.ReservationReserved {
		t.Fatalf("reservation should stay reserved, got %q", res.State)
	}
	drain(t, h.orch)
}

func TestReconcilerVerifiesStaleRecords(t *testing.T) {
	h := newHarness(t, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.orch.now = func() time.Time { return now }

	old := ledger.Record{
		UserID:          h.userID,
		WalletAddress:   wallet,
		TransactionHash: "0xold",
		AmountUSDC:      decimal.NewFromInt(1),
		Credits:         100,
		Status:          ledger.StatusConfirmed,
		CreatedAt:       now.Add(-time.Hour),
	}
	fresh := old
	fresh.TransactionHash = "0xfresh"
	fresh.CreatedAt = now.Add(-time.Minute)
	for _, rec := range []ledger.Record{old, fresh} {
		if err := h.store.Insert(context.Background(), rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	r := NewReconciler(h.orch, h.store, ReconcilerConfig{After: 10 * time.Minute}, zaptest.NewLogger(t))
	n, err := r.RunOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one record checked, got %d (%v)", n, err)
	}

	got, _ := h.store.Get(context.Background(), "0xold")
	if got.Status != ledger.StatusVerified {
		t.Fatalf("expected verified, got %s", got.Status)
	}
	got, _ = h.store.Get(context.Background(), "0xfresh")
	if got.Status != ledger.StatusConfirmed {
		t.Fatalf("fresh record must be left to its own timer, got %s", got.Status)
	}
	reqs := h.verifier.Requests()
	if len(reqs) != 1 || !reqs[0].Reference.Equal(old.CreatedAt) {
		t.Fatalf("expected reference time from record, got %+v", reqs)
	}
}

func TestReconcilerRejectsBadSchedule(t *testing.T) {
	h := newHarness(t, nil)
	r := NewReconciler(h.orch, h.store, ReconcilerConfig{Schedule: "not a schedule"}, nil)
	if err := r.Start(); err == nil {
		t.Fatalf("expected schedule error")
	}
}
