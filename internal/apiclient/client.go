// Package apiclient talks to the top-up server on behalf of a wallet.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"decenterai/internal/association"
	"decenterai/internal/payment"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient keeps session cookies between calls.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout, Jar: jar},
	}
}

func (c *Client) CreateSession(ctx context.Context, wallet common.Address) error {
	return c.do(ctx, http.MethodPost, "/api/auth/session", map[string]string{"wallet": wallet.Hex()}, nil)
}

func (c *Client) EndSession(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/auth/session", nil, nil)
}

type associateResponse struct {
	AlreadyAssociated bool   `json:"alreadyAssociated"`
	NeedsAssociation  bool   `json:"needsAssociation"`
	HbarSent          bool   `json:"hbarSent"`
	FundingTxHash     string `json:"fundingTxHash"`
}

// Prepare asks the server to fund addr for its association fee.
func (c *Client) Prepare(ctx context.Context, addr common.Address) (association.PrepareResult, error) {
	var resp associateResponse
	if err := c.do(ctx, http.MethodPost, "/api/associate-usdc", map[string]string{"userAddress": addr.Hex()}, &resp); err != nil {
		return association.PrepareResult{}, err
	}
	return association.PrepareResult{
		AlreadyAssociated: resp.AlreadyAssociated,
		NeedsAssociation:  resp.NeedsAssociation,
		NativeSent:        resp.HbarSent,
		FundingTxHash:     resp.FundingTxHash,
	}, nil
}

// PaymentResponse mirrors the verify-payment answer.
type PaymentResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	Warning      string `json:"warning"`
	TokenError   string `json:"tokenError"`
	CreditsToAdd int64  `json:"creditsToAdd"`
	Transaction  struct {
		Hash        string `json:"hash"`
		ExplorerURL string `json:"explorerUrl"`
	} `json:"transaction"`
	RewardTokens *struct {
		Amount          int64  `json:"amount"`
		TransactionHash string `json:"transactionHash"`
		ExplorerURL     string `json:"explorerUrl"`
	} `json:"rewardTokens"`
}

func (p PaymentResponse) Partial() bool {
	return p.Success && p.Warning != ""
}

func (c *Client) SubmitPayment(ctx context.Context, claim payment.Claim) (PaymentResponse, error) {
	var resp PaymentResponse
	err := c.do(ctx, http.MethodPost, "/api/verify-payment", claim, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
