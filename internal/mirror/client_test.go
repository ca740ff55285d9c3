package mirror

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	got, err := ParseTimestamp("1700000000.000000123")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Unix() != 1700000000 || got.Nanosecond() != 123 {
		t.Fatalf("unexpected time %v", got)
	}

	short, err := ParseTimestamp("1700000000.5")
	if err != nil || short.Nanosecond() != 500000000 {
		t.Fatalf("expected half second, got %v (%v)", short, err)
	}

	if _, err := ParseTimestamp("not-a-time"); err == nil {
		t.Fatalf("expected error for garbage timestamp")
	}
	if FormatTimestamp(got) != "1700000000.000000123" {
		t.Fatalf("format round trip failed: %s", FormatTimestamp(got))
	}
}

func TestAccountNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.Account(context.Background(), "0.0.404"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := c.TokenRelationships(context.Background(), "0.0.404", "0.0.429274"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected not found for token list, got %v", err)
	}
}

func TestTokenRelationshipsFiltersByToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/accounts/0.0.1001/tokens" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("token.id") != "0.0.429274" {
			t.Errorf("missing token filter: %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"tokens":[{"token_id":"0.0.429274","balance":5000000,"decimals":6}]}`))
	}))
	defer srv.Close()

	rels, err := NewClient(srv.URL, time.Second).TokenRelationships(context.Background(), "0.0.1001", "0.0.429274")
	if err != nil {
		t.Fatalf("token relationships: %v", err)
	}
	if len(rels) != 1 || rels[0].Balance != 5000000 {
		t.Fatalf("unexpected relationships %+v", rels)
	}
}

func TestTransactionsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("account.id") != "0.0.7207659" || q.Get("transactiontype") != "cryptotransfer" ||
			q.Get("limit") != "20" || q.Get("order") != "desc" || q.Get("timestamp") != "gte:1700000000.000000000" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"transactions":[{"transaction_id":"0.0.1001-1700000000-000000001","consensus_timestamp":"1700000001.000000002","result":"SUCCESS","token_transfers":[{"token_id":"0.0.429274","account":"0.0.1001","amount":-5000000},{"token_id":"0.0.429274","account":"0.0.7207659","amount":5000000}]}]}`))
	}))
	defer srv.Close()

	txs, err := NewClient(srv.URL, time.Second).Transactions(context.Background(), TransactionQuery{
		AccountID:    "0.0.7207659",
		Type:         "cryptotransfer",
		Limit:        20,
		Order:        "desc",
		TimestampGTE: time.Unix(1700000000, 0),
	})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 1 || !txs[0].Succeeded() || len(txs[0].TokenTransfers) != 2 {
		t.Fatalf("unexpected transactions %+v", txs)
	}
	ts, _ := txs[0].ConsensusTime()
	if ts.Unix() != 1700000001 {
		t.Fatalf("unexpected consensus time %v", ts)
	}
}

func TestServerErrorIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Transactions(context.Background(), TransactionQuery{AccountID: "0.0.1"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status error, got %v", err)
	}
}
