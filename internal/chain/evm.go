package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"decenterai/internal/contracts"
)

// Receipt is the confirmed outcome of a submitted transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
}

// EVMChain signs and submits transactions on one EVM-compatible ledger. The
// settlement chain is reached through its JSON-RPC relay, the reward chain
// directly.
type EVMChain struct {
	name           string
	client         *ethclient.Client
	chainID        *big.Int
	from           common.Address
	transacts      *bind.TransactOpts
	erc20          abi.ABI
	hts            abi.ABI
	htsAddress     common.Address
	rpcTimeout     time.Duration
	receiptTimeout time.Duration
	pollInterval   time.Duration

	// serializes nonce assignment for the shared signing key
	sendMu sync.Mutex
}

type Config struct {
	Name                string
	RPCURL              string
	PrivateKeyHex       string
	RPCTimeout          time.Duration
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

// Dial connects to the RPC endpoint and loads the signing key. The key is
// read once; callers share the returned client.
func Dial(ctx context.Context, cfg Config) (*EVMChain, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%s: %w", cfg.Name, ErrMissingRPCURL)
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("%s: %w", cfg.Name, ErrMissingKey)
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 30 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 60 * time.Second
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
	defer cancel()

	cli, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", cfg.Name, err)
	}

	chainID, err := cli.ChainID(dialCtx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch %s chain id: %w", cfg.Name, err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	erc20, err := abi.JSON(strings.NewReader(contracts.ERC20ABI))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	hts, err := abi.JSON(strings.NewReader(contracts.HTSABI))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("parse hts abi: %w", err)
	}

	return &EVMChain{
		name:           cfg.Name,
		client:         cli,
		chainID:        chainID,
		from:           txOpts.From,
		transacts:      txOpts,
		erc20:          erc20,
		hts:            hts,
		htsAddress:     common.HexToAddress(contracts.HTSPrecompileAddress),
		rpcTimeout:     cfg.RPCTimeout,
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.ReceiptPollInterval,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EVMChain) Name() string {
	return c.name
}

// Address is the signer's address.
func (c *EVMChain) Address() common.Address {
	return c.from
}

func (c *EVMChain) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func (c *EVMChain) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()
	_, err := c.client.BlockNumber(ctx)
	return err
}

// NativeBalance returns the account's gas-currency balance in wei units.
func (c *EVMChain) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()
	bal, err := c.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, Normalize("native balance", err)
	}
	return bal, nil
}

// TokenBalance reads an ERC-20 balance in the token's smallest unit.
func (c *EVMChain) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	bound := bind.NewBoundContract(token, c.erc20, c.client, c.client, c.client)
	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, Normalize("token balance", err)
	}
	if len(out) != 1 {
		return nil, Normalize("token balance", ErrUnexpectedCall)
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, Normalize("token balance", ErrUnexpectedCall)
	}
	return bal, nil
}

// TransferNative sends gas currency from the signer.
func (c *EVMChain) TransferNative(ctx context.Context, to common.Address, amount *big.Int) (Receipt, error) {
	return c.send(ctx, OpNativeTransfer, func(opts *bind.TransactOpts) (*types.Transaction, error) {
		opts.Value = new(big.Int).Set(amount)
		bound := bind.NewBoundContract(to, abi.ABI{}, c.client, c.client, c.client)
		return bound.Transfer(opts)
	})
}

// TransferToken calls ERC-20 transfer(to, amount) from the signer.
func (c *EVMChain) TransferToken(ctx context.Context, token, to common.Address, amount *big.Int) (Receipt, error) {
	return c.send(ctx, OpTokenTransfer, func(opts *bind.TransactOpts) (*types.Transaction, error) {
		bound := bind.NewBoundContract(token, c.erc20, c.client, c.client, c.client)
		return bound.Transact(opts, "transfer", to, amount)
	})
}

// AssociateToken authorizes account to hold token through the token-service
// precompile. The signer must be the account itself.
func (c *EVMChain) AssociateToken(ctx context.Context, account, token common.Address) (Receipt, error) {
	return c.send(ctx, OpAssociate, func(opts *bind.TransactOpts) (*types.Transaction, error) {
		bound := bind.NewBoundContract(c.htsAddress, c.hts, c.client, c.client, c.client)
		return bound.Transact(opts, "associateToken", account, token)
	})
}

func (c *EVMChain) send(ctx context.Context, op string, submit func(*bind.TransactOpts) (*types.Transaction, error)) (Receipt, error) {
	c.sendMu.Lock()
	sendCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	opts := *c.transacts
	opts.Context = sendCtx
	tx, err := submit(&opts)
	cancel()
	c.sendMu.Unlock()
	if err != nil {
		return Receipt{}, Normalize(op, err)
	}

	hash := tx.Hash().Hex()
	waitCtx, cancelWait := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancelWait()

	receipt, err := WaitForReceipt(waitCtx, c.client, tx.Hash(), c.pollInterval)
	if err != nil {
		e := Normalize(op, err)
		e.TxHash = hash
		return Receipt{TxHash: hash}, e
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{TxHash: hash}, &Error{Op: op, Message: "transaction reverted", TxHash: hash, Err: ErrReverted}
	}
	return Receipt{TxHash: hash, BlockNumber: receipt.BlockNumber.Uint64()}, nil
}

type receiptFetcher interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client receiptFetcher, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
