package association

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap/zaptest"

	"decenterai/internal/chain"
	"decenterai/internal/mirror"
	"decenterai/internal/retry"
)

const usdcTokenID = "0.0.429274"

var (
	usdcAddress = common.HexToAddress("0x0000000000000000000000000000000000068cda")
	walletAddr  = common.HexToAddress("0x5b38da6a701c568545dcfcb03fcb875f56beddc4")
	operator    = common.HexToAddress("0x00000000000000000000000000000000006ddaeb")
)

type fakeIndexer struct {
	mu         sync.Mutex
	accounts   map[string]*mirror.Account
	associated map[string]bool
	tokenErr   error
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{accounts: map[string]*mirror.Account{}, associated: map[string]bool{}}
}

func (f *fakeIndexer) setAccount(addr common.Address, id string, tinybars int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[strings.ToLower(addr.Hex())] = &mirror.Account{Account: id, Balance: mirror.Balance{Balance: tinybars}}
}

func (f *fakeIndexer) associate(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.associated[id] = true
}

func (f *fakeIndexer) Account(_ context.Context, idOrAddress string) (*mirror.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[strings.ToLower(idOrAddress)]
	if !ok {
		return nil, mirror.ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (f *fakeIndexer) TokenRelationships(_ context.Context, accountID, tokenID string) ([]mirror.TokenRelationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	if !f.associated[accountID] {
		return nil, nil
	}
	return []mirror.TokenRelationship{{TokenID: tokenID}}, nil
}

func fastConfig() BootstrapConfig {
	cfg := DefaultBootstrapConfig(usdcAddress)
	cfg.FundsPoll = retry.Fixed(3, time.Millisecond)
	cfg.AssociationPoll = retry.Fixed(3, time.Millisecond)
	cfg.ResumePoll = retry.Fixed(2, time.Millisecond)
	cfg.SubmitRetry = retry.Fixed(3, time.Millisecond)
	return cfg
}

func TestCheckerFreshWallet(t *testing.T) {
	idx := newFakeIndexer()
	status, err := NewChecker(idx, usdcTokenID).Check(context.Background(), walletAddr)
	if err != nil {
		t.Fatalf("fresh wallet should not error: %v", err)
	}
	if status.AccountExists || status.Associated {
		t.Fatalf("unexpected status %+v", status)
	}

	idx.setAccount(walletAddr, "0.0.5005", 42)
	idx.associate("0.0.5005")
	status, err = NewChecker(idx, usdcTokenID).Check(context.Background(), walletAddr)
	if err != nil || !status.Associated || status.NativeBalance != 42 || status.AccountID != "0.0.5005" {
		t.Fatalf("unexpected status %+v (%v)", status, err)
	}

	idx.tokenErr = errors.New("mirror 503")
	if _, err := NewChecker(idx, usdcTokenID).Check(context.Background(), walletAddr); err == nil {
		t.Fatalf("expected indexer failure to surface")
	}
}

func TestPreparerFundsOnlyWhenNeeded(t *testing.T) {
	idx := newFakeIndexer()
	op := chain.NewFakeChain(operator)
	prep := NewPreparer(NewChecker(idx, usdcTokenID), op, PreparerConfig{}, zaptest.NewLogger(t))

	res, err := prep.Prepare(context.Background(), walletAddr)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !res.NeedsAssociation || !res.NativeSent || res.FundingTxHash == "" {
		t.Fatalf("expected funding, got %+v", res)
	}
	sent := op.Calls(chain.OpNativeTransfer)
	if len(sent) != 1 || sent[0].Amount.Cmp(DefaultFundingAmount()) != 0 || sent[0].To != walletAddr {
		t.Fatalf("unexpected transfers %+v", sent)
	}

	idx.setAccount(walletAddr, "0.0.5005", DefaultFundingThreshold+1)
	res, err = prep.Prepare(context.Background(), walletAddr)
	if err != nil || !res.NeedsAssociation || res.NativeSent {
		t.Fatalf("funded wallet should not be topped up again: %+v (%v)", res, err)
	}

	idx.associate("0.0.5005")
	res, _ = prep.Prepare(context.Background(), walletAddr)
	if !res.AlreadyAssociated || len(op.Calls(chain.OpNativeTransfer)) != 1 {
		t.Fatalf("associated wallet should short-circuit: %+v", res)
	}
}

func TestPreparerFundingFailure(t *testing.T) {
	op := chain.NewFakeChain(operator)
	op.FailNext(chain.OpNativeTransfer, errors.New("INSUFFICIENT_PAYER_BALANCE"))
	prep := NewPreparer(NewChecker(newFakeIndexer(), usdcTokenID), op, PreparerConfig{}, nil)
	if _, err := prep.Prepare(context.Background(), walletAddr); err == nil {
		t.Fatalf("expected funding error")
	}
}

// wire connects the fakes so funding and association become visible on the
// indexer, as they would on a live network.
func wire(t *testing.T, idx *fakeIndexer) (*chain.FakeChain, *chain.FakeChain) {
	t.Helper()
	op := chain.NewFakeChain(operator)
	op.OnWrite = func(c chain.Call) {
		if c.Op == chain.OpNativeTransfer {
			idx.setAccount(c.To, "0.0.5005", 50_000_000)
		}
	}
	wallet := chain.NewFakeChain(walletAddr)
	wallet.OnWrite = func(c chain.Call) {
		if c.Op == chain.OpAssociate {
			idx.associate("0.0.5005")
		}
	}
	return op, wallet
}

func TestBootstrapFreshWallet(t *testing.T) {
	idx := newFakeIndexer()
	op, wallet := wire(t, idx)
	checker := NewChecker(idx, usdcTokenID)
	store := NewMemoryPendingStore()
	b := NewBootstrapper(fastConfig(), wallet, checker, NewPreparer(checker, op, PreparerConfig{}, nil), store, zaptest.NewLogger(t))

	rep := b.Run(context.Background())
	if rep.Outcome != OutcomeReady || !rep.NativeSent || rep.TxHash == "" || !rep.CanHoldToken() {
		t.Fatalf("unexpected report %+v", rep)
	}
	calls := wallet.Calls(chain.OpAssociate)
	if len(calls) != 1 || calls[0].Token != usdcAddress || calls[0].To != walletAddr {
		t.Fatalf("expected one association signed by the wallet, got %+v", calls)
	}

	rep = b.Run(context.Background())
	if rep.Outcome != OutcomeAlreadyAssociated {
		t.Fatalf("second run should be a no-op, got %+v", rep)
	}
}

func TestBootstrapRetriesConsensusLag(t *testing.T) {
	idx := newFakeIndexer()
	op, wallet := wire(t, idx)
	lag := errors.New("Insufficient funds for gas * price + value")
	wallet.FailNext(chain.OpAssociate, lag, lag)

	checker := NewChecker(idx, usdcTokenID)
	b := NewBootstrapper(fastConfig(), wallet, checker, NewPreparer(checker, op, PreparerConfig{}, nil), nil, zaptest.NewLogger(t))
	if rep := b.Run(context.Background()); rep.Outcome != OutcomeReady {
		t.Fatalf("expected lag to be retried, got %+v", rep)
	}
}

type countingAssociator struct {
	addr  common.Address
	calls int
	err   error
}

func (c *countingAssociator) Address() common.Address { return c.addr }

func (c *countingAssociator) AssociateToken(context.Context, common.Address, common.Address) (chain.Receipt, error) {
	c.calls++
	return chain.Receipt{}, c.err
}

func TestBootstrapDoesNotRetryOtherErrors(t *testing.T) {
	idx := newFakeIndexer()
	idx.setAccount(walletAddr, "0.0.5005", 50_000_000)
	wallet := &countingAssociator{addr: walletAddr, err: chain.Normalize(chain.OpAssociate, errors.New("execution reverted"))}
	checker := NewChecker(idx, usdcTokenID)
	b := NewBootstrapper(fastConfig(), wallet, checker, NewPreparer(checker, chain.NewFakeChain(operator), PreparerConfig{}, nil), nil, nil)

	rep := b.Run(context.Background())
	if rep.Outcome != OutcomeFailed || !errors.Is(rep.Err, ErrAssociationFailed) || wallet.calls != 1 {
		t.Fatalf("expected single failed attempt, got %+v after %d calls", rep, wallet.calls)
	}
}

func TestBootstrapFundsNeverArrive(t *testing.T) {
	idx := newFakeIndexer()
	wallet := &countingAssociator{addr: walletAddr}
	checker := NewChecker(idx, usdcTokenID)
	b := NewBootstrapper(fastConfig(), wallet, checker, NewPreparer(checker, chain.NewFakeChain(operator), PreparerConfig{}, nil), nil, nil)

	rep := b.Run(context.Background())
	if rep.Outcome != OutcomeFailed || !errors.Is(rep.Err, ErrFundsNotArrived) || wallet.calls != 0 {
		t.Fatalf("expected funds timeout before signing, got %+v", rep)
	}
}

func TestBootstrapPersistsAndResumesPending(t *testing.T) {
	idx := newFakeIndexer()
	op := chain.NewFakeChain(operator)
	op.OnWrite = func(c chain.Call) { idx.setAccount(c.To, "0.0.5005", 50_000_000) }
	wallet := chain.NewFakeChain(walletAddr) // association never shows up on the indexer
	checker := NewChecker(idx, usdcTokenID)
	store := NewMemoryPendingStore()
	b := NewBootstrapper(fastConfig(), wallet, checker, NewPreparer(checker, op, PreparerConfig{}, nil), store, zaptest.NewLogger(t))

	rep := b.Run(context.Background())
	if rep.Outcome != OutcomePending || rep.CanHoldToken() {
		t.Fatalf("expected pending, got %+v", rep)
	}
	p, _ := store.Load(context.Background())
	if p == nil || p.TxHash != rep.TxHash || !strings.EqualFold(p.Account, walletAddr.Hex()) {
		t.Fatalf("expected pending entry, got %+v", p)
	}

	// Still not visible: resume keeps waiting and does not sign again.
	rep = b.Run(context.Background())
	if rep.Outcome != OutcomePending || len(wallet.Calls(chain.OpAssociate)) != 1 {
		t.Fatalf("resume should not resubmit, got %+v", rep)
	}

	idx.associate("0.0.5005")
	rep = b.Run(context.Background())
	if rep.Outcome != OutcomeReady || rep.TxHash != p.TxHash {
		t.Fatalf("expected resume to confirm, got %+v", rep)
	}
	if p, _ := store.Load(context.Background()); p != nil {
		t.Fatalf("pending entry should be cleared, got %+v", p)
	}
}

func TestBootstrapDiscardsStalePending(t *testing.T) {
	idx := newFakeIndexer()
	op, wallet := wire(t, idx)
	checker := NewChecker(idx, usdcTokenID)
	store := NewMemoryPendingStore()
	_ = store.Save(context.Background(), Pending{Account: walletAddr.Hex(), SubmittedAt: time.Now().Add(-10 * time.Minute), TxHash: "0xold"})

	b := NewBootstrapper(fastConfig(), wallet, checker, NewPreparer(checker, op, PreparerConfig{}, nil), store, nil)
	rep := b.Run(context.Background())
	if rep.Outcome != OutcomeReady || rep.TxHash == "0xold" {
		t.Fatalf("stale entry should restart the flow, got %+v", rep)
	}

	_ = store.Save(context.Background(), Pending{Account: "0x0000000000000000000000000000000000000bad", SubmittedAt: time.Now(), TxHash: "0xother"})
	rep = b.Run(context.Background())
	if rep.Outcome != OutcomeAlreadyAssociated {
		t.Fatalf("entry for another account should be ignored, got %+v", rep)
	}
	if p, _ := store.Load(context.Background()); p != nil {
		t.Fatalf("foreign entry should be discarded")
	}
}

func TestFilePendingStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "pending.json")
	store := NewFilePendingStore(path)
	ctx := context.Background()

	if p, err := store.Load(ctx); p != nil || err != nil {
		t.Fatalf("expected empty store, got %+v (%v)", p, err)
	}
	want := Pending{Account: walletAddr.Hex(), SubmittedAt: time.Unix(1700000000, 0).UTC(), TxHash: "0xabc"}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := NewFilePendingStore(path).Load(ctx)
	if err != nil || got == nil || got.TxHash != want.TxHash || !got.SubmittedAt.Equal(want.SubmittedAt) {
		t.Fatalf("reload mismatch: %+v (%v)", got, err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clearing twice should be fine: %v", err)
	}
}

func TestDefaultFundingAmount(t *testing.T) {
	want, _ := new(big.Int).SetString("500000000000000000", 10)
	if DefaultFundingAmount().Cmp(want) != 0 {
		t.Fatalf("unexpected funding amount %s", DefaultFundingAmount())
	}
}
