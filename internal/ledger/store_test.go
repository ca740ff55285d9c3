package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func sampleRecord(hash string, created time.Time) Record {
	return Record{
		UserID:                "user-1",
		WalletAddress:         "0x5b38da6a701c568545dcfcb03fcb875f56beddc4",
		TransactionHash:       hash,
		RewardTransactionHash: "0xreward",
		AmountUSDC:            decimal.RequireFromString("5.00"),
		Credits:               500,
		Status:                StatusConfirmed,
		CreatedAt:             created,
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if rec, _ := store.Get(ctx, "missing"); rec != nil {
		t.Fatalf("expected nil for missing hash")
	}

	if err := store.Insert(ctx, sampleRecord("0xABC", time.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	got, _ := store.Get(ctx, "0xabc")
	if got == nil || got.Credits != 500 || got.ID == "" || got.TransactionHash != "0xabc" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if err := store.Insert(ctx, sampleRecord("0xabc", time.Now())); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	now := time.Now().UTC()
	if err := store.UpdateStatus(ctx, "0xAbC", StatusVerified, &now); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = store.Get(ctx, "0xabc")
	if got.Status != StatusVerified || got.VerifiedAt == nil {
		t.Fatalf("status not updated: %+v", got)
	}
	if err := store.UpdateStatus(ctx, "0xnone", StatusVerified, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReserveRejectsConcurrentDuplicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Reserve(ctx, "0xdup", "user-1"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, ErrDuplicate) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one reservation, got %d", winners)
	}

	if err := store.MarkReservation(ctx, "0xDUP", ReservationDisbursementFailed); err != nil {
		t.Fatalf("mark: %v", err)
	}
	res, ok := store.Reservation("0xdup")
	if !ok || res.State != ReservationDisbursementFailed {
		t.Fatalf("unexpected reservation %+v", res)
	}
	if err := store.Reserve(ctx, "0xdup", "user-2"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("failed claims stay reserved, got %v", err)
	}
}

func TestListByStatusAndSumCredits(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	_ = store.Insert(ctx, sampleRecord("0x1", base.Add(2*time.Minute)))
	_ = store.Insert(ctx, sampleRecord("0x2", base))
	fresh := sampleRecord("0x3", base.Add(time.Hour))
	_ = store.Insert(ctx, fresh)
	flagged := sampleRecord("0x4", base)
	flagged.Status = StatusFraudSuspected
	flagged.UserID = "user-2"
	flagged.Credits = 100
	_ = store.Insert(ctx, flagged)

	stale, err := store.ListByStatus(ctx, StatusConfirmed, base.Add(10*time.Minute), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 2 || stale[0].TransactionHash != "0x2" || stale[1].TransactionHash != "0x1" {
		t.Fatalf("expected oldest-first stale records, got %+v", stale)
	}
	if limited, _ := store.ListByStatus(ctx, StatusConfirmed, time.Time{}, 1); len(limited) != 1 {
		t.Fatalf("limit not applied: %d", len(limited))
	}

	total, _ := store.SumCredits(ctx, "user-1")
	if total != 1500 {
		t.Fatalf("expected 1500 credits, got %d", total)
	}
}

func TestReleaseOnlyFreesFailedDisbursements(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Release(ctx, "0xmissing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_ = store.Reserve(ctx, "0xfail", "user-1")
	_ = store.Reserve(ctx, "0xbusy", "user-1")
	if err := store.MarkReservation(ctx, "0xfail", ReservationDisbursementFailed); err != nil {
		t.Fatalf("mark: %v", err)
	}

	failed, err := store.ListReservations(ctx, ReservationDisbursementFailed, 10)
	if err != nil || len(failed) != 1 || failed[0].TransactionHash != "0xfail" || failed[0].UserID != "user-1" {
		t.Fatalf("unexpected failed claims %+v (%v)", failed, err)
	}

	if err := store.Release(ctx, "0xbusy"); !errors.Is(err, ErrNotReleasable) {
		t.Fatalf("in-flight claim must stay reserved, got %v", err)
	}
	if err := store.Release(ctx, "0xFAIL"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.Reserve(ctx, "0xfail", "user-1"); err != nil {
		t.Fatalf("released hash should be claimable again: %v", err)
	}
	if left, _ := store.ListReservations(ctx, ReservationDisbursementFailed, 10); len(left) != 0 {
		t.Fatalf("expected no failed claims, got %+v", left)
	}
}
