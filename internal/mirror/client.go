// Package mirror reads account and transaction history from the settlement
// ledger's mirror node REST API. Data lags consensus by a few seconds.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "https://testnet.mirrornode.hedera.com/api/v1"

var ErrAccountNotFound = errors.New("account not found")

// StatusError is returned for any non-2xx answer other than a missing account.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mirror %s returned status %d: %s", e.Path, e.Code, e.Body)
}

// Client is a client for the mirror node.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a mirror client. Every request is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type Account struct {
	Account    string  `json:"account"`
	EVMAddress string  `json:"evm_address"`
	Alias      string  `json:"alias"`
	Balance    Balance `json:"balance"`
}

type Balance struct {
	// Balance is the native balance in tinybars.
	Balance   int64          `json:"balance"`
	Timestamp string         `json:"timestamp"`
	Tokens    []TokenBalance `json:"tokens"`
}

type TokenBalance struct {
	TokenID string `json:"token_id"`
	Balance int64  `json:"balance"`
}

// TokenRelationship is one token the account is associated with.
type TokenRelationship struct {
	TokenID          string `json:"token_id"`
	Balance          int64  `json:"balance"`
	Decimals         int    `json:"decimals"`
	AutomaticAssoc   bool   `json:"automatic_association"`
	CreatedTimestamp string `json:"created_timestamp"`
}

type TokenTransfer struct {
	TokenID    string `json:"token_id"`
	Account    string `json:"account"`
	Amount     int64  `json:"amount"`
	IsApproval bool   `json:"is_approval"`
}

type Transaction struct {
	TransactionID      string          `json:"transaction_id"`
	TransactionHash    string          `json:"transaction_hash"`
	ConsensusTimestamp string          `json:"consensus_timestamp"`
	Name               string          `json:"name"`
	Result             string          `json:"result"`
	TokenTransfers     []TokenTransfer `json:"token_transfers"`
}

// Succeeded reports whether the ledger accepted the transaction.
func (t Transaction) Succeeded() bool {
	return t.Result == "SUCCESS"
}

// ConsensusTime parses the "seconds.nanoseconds" timestamp without going
// through floating point.
func (t Transaction) ConsensusTime() (time.Time, error) {
	return ParseTimestamp(t.ConsensusTimestamp)
}

func ParseTimestamp(ts string) (time.Time, error) {
	secPart, nanoPart, _ := strings.Cut(strings.TrimSpace(ts), ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	var nanos int64
	if nanoPart != "" {
		if len(nanoPart) > 9 {
			return time.Time{}, fmt.Errorf("parse timestamp %q: too many fractional digits", ts)
		}
		nanoPart += strings.Repeat("0", 9-len(nanoPart))
		nanos, err = strconv.ParseInt(nanoPart, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
	}
	return time.Unix(sec, nanos).UTC(), nil
}

// TransactionQuery selects transactions touching one account.
type TransactionQuery struct {
	AccountID    string
	Type         string
	Limit        int
	Order        string
	TimestampGTE time.Time
}

func (q TransactionQuery) values() url.Values {
	v := url.Values{}
	v.Set("account.id", q.AccountID)
	if q.Type != "" {
		v.Set("transactiontype", q.Type)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Order != "" {
		v.Set("order", q.Order)
	}
	if !q.TimestampGTE.IsZero() {
		v.Set("timestamp", "gte:"+FormatTimestamp(q.TimestampGTE))
	}
	return v
}

func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%09d", t.Unix(), t.Nanosecond())
}

// Account looks up an account by ledger id or EVM address.
func (c *Client) Account(ctx context.Context, idOrAddress string) (*Account, error) {
	var out Account
	if err := c.get(ctx, "/accounts/"+url.PathEscape(idOrAddress), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TokenRelationships lists the account's associations, filtered by tokenID
// when non-empty.
func (c *Client) TokenRelationships(ctx context.Context, accountID, tokenID string) ([]TokenRelationship, error) {
	q := url.Values{}
	if tokenID != "" {
		q.Set("token.id", tokenID)
	}
	var out struct {
		Tokens []TokenRelationship `json:"tokens"`
	}
	if err := c.get(ctx, "/accounts/"+url.PathEscape(accountID)+"/tokens", q, &out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

func (c *Client) Transactions(ctx context.Context, q TransactionQuery) ([]Transaction, error) {
	if q.AccountID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.get(ctx, "/transactions", q.values(), &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// Ping fetches the latest block to confirm the mirror node answers.
func (c *Client) Ping(ctx context.Context) error {
	var out struct {
		Blocks []json.RawMessage `json:"blocks"`
	}
	return c.get(ctx, "/blocks", url.Values{"limit": []string{"1"}}, &out)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, dst interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mirror request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/accounts/") {
		return ErrAccountNotFound
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
