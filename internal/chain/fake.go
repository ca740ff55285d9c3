package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Call records one write submitted to a FakeChain.
type Call struct {
	Op     string
	Token  common.Address
	To     common.Address
	Amount *big.Int
	TxHash string
}

// FakeChain hashes each write to deterministically emulate transaction hashes
// in tests. Balances are plain maps; queued errors fail the next writes of an op.
type FakeChain struct {
	mu sync.Mutex

	From           common.Address
	NativeBalances map[common.Address]*big.Int
	TokenBalances  map[common.Address]map[common.Address]*big.Int
	PingErr        error

	// OnWrite runs after each successful write, with the lock released.
	OnWrite func(Call)

	calls []Call
	fail  map[string][]error
}

const (
	OpNativeTransfer = "native transfer"
	OpTokenTransfer  = "token transfer"
	OpAssociate      = "associate token"
)

func NewFakeChain(from common.Address) *FakeChain {
	return &FakeChain{
		From:           from,
		NativeBalances: make(map[common.Address]*big.Int),
		TokenBalances:  make(map[common.Address]map[common.Address]*big.Int),
		fail:           make(map[string][]error),
	}
}

// FailNext queues errors returned by the next writes of op, in order.
func (f *FakeChain) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = append(f.fail[op], errs...)
}

func (f *FakeChain) SetNativeBalance(addr common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NativeBalances[addr] = new(big.Int).Set(amount)
}

func (f *FakeChain) SetTokenBalance(token, holder common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TokenBalances[token] == nil {
		f.TokenBalances[token] = make(map[common.Address]*big.Int)
	}
	f.TokenBalances[token][holder] = new(big.Int).Set(amount)
}

func (f *FakeChain) Address() common.Address {
	return f.From
}

func (f *FakeChain) Ping(context.Context) error {
	return f.PingErr
}

func (f *FakeChain) NativeBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bal, ok := f.NativeBalances[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (f *FakeChain) TokenBalance(_ context.Context, token, holder common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bal, ok := f.TokenBalances[token][holder]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (f *FakeChain) TransferNative(_ context.Context, to common.Address, amount *big.Int) (Receipt, error) {
	return f.write(Call{Op: OpNativeTransfer, To: to, Amount: amount}, func() {
		cur := f.NativeBalances[to]
		if cur == nil {
			cur = new(big.Int)
		}
		f.NativeBalances[to] = new(big.Int).Add(cur, amount)
	})
}

func (f *FakeChain) TransferToken(_ context.Context, token, to common.Address, amount *big.Int) (Receipt, error) {
	return f.write(Call{Op: OpTokenTransfer, Token: token, To: to, Amount: amount}, func() {
		if f.TokenBalances[token] == nil {
			f.TokenBalances[token] = make(map[common.Address]*big.Int)
		}
		cur := f.TokenBalances[token][to]
		if cur == nil {
			cur = new(big.Int)
		}
		f.TokenBalances[token][to] = new(big.Int).Add(cur, amount)
	})
}

func (f *FakeChain) AssociateToken(_ context.Context, account, token common.Address) (Receipt, error) {
	return f.write(Call{Op: OpAssociate, Token: token, To: account}, nil)
}

// Calls returns the successful writes, optionally filtered by op.
func (f *FakeChain) Calls(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeChain) write(call Call, apply func()) (Receipt, error) {
	f.mu.Lock()
	if queued := f.fail[call.Op]; len(queued) > 0 {
		err := queued[0]
		f.fail[call.Op] = queued[1:]
		f.mu.Unlock()
		return Receipt{}, Normalize(call.Op, err)
	}
	if call.Amount != nil {
		call.Amount = new(big.Int).Set(call.Amount)
	}
	call.TxHash = fakeHash(fmt.Sprintf("%s|%s|%s|%s|%d", call.Op, call.Token.Hex(), call.To.Hex(), call.Amount, len(f.calls)))
	if apply != nil {
		apply()
	}
	f.calls = append(f.calls, call)
	block := uint64(len(f.calls))
	hook := f.OnWrite
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return Receipt{TxHash: call.TxHash, BlockNumber: block}, nil
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
