// Package association gets a wallet ready to hold the settlement token: the
// ledger requires an explicit, signed association before an account may
// receive it, and the signing account needs native currency for the fee.
package association

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"decenterai/internal/mirror"
)

// Indexer is the subset of the mirror client the checker reads.
type Indexer interface {
	Account(ctx context.Context, idOrAddress string) (*mirror.Account, error)
	TokenRelationships(ctx context.Context, accountID, tokenID string) ([]mirror.TokenRelationship, error)
}

// Status is what the indexer currently knows about a wallet.
type Status struct {
	AccountID     string
	AccountExists bool
	Associated    bool
	// NativeBalance is in tinybars.
	NativeBalance int64
	TokenBalance  int64
}

// HasNative reports whether the native balance reaches min tinybars.
func (s Status) HasNative(min int64) bool {
	return s.NativeBalance >= min
}

type Checker struct {
	indexer Indexer
	tokenID string
}

func NewChecker(indexer Indexer, tokenID string) *Checker {
	return &Checker{indexer: indexer, tokenID: tokenID}
}

// Check reads association and native balance for an EVM address. An account
// the indexer has never seen is a fresh wallet, not an error.
func (c *Checker) Check(ctx context.Context, addr common.Address) (Status, error) {
	acct, err := c.indexer.Account(ctx, addr.Hex())
	if errors.Is(err, mirror.ErrAccountNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("lookup account %s: %w", addr.Hex(), err)
	}

	status := Status{
		AccountID:     acct.Account,
		AccountExists: true,
		NativeBalance: acct.Balance.Balance,
	}

	rels, err := c.indexer.TokenRelationships(ctx, acct.Account, c.tokenID)
	if errors.Is(err, mirror.ErrAccountNotFound) {
		return status, nil
	}
	if err != nil {
		return status, fmt.Errorf("list token relationships for %s: %w", acct.Account, err)
	}
	for _, rel := range rels {
		if rel.TokenID == c.tokenID {
			status.Associated = true
			status.TokenBalance = rel.Balance
			break
		}
	}
	return status, nil
}
