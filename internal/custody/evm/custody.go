// Package evm settles market token movements as ERC-20 transfers on an
// EVM chain. Markets hold their pools in one custody wallet; users approve
// that wallet to pull stakes and receive payouts directly.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// Backend is the JSON-RPC surface the custody needs. *ethclient.Client
// satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config configures the ERC-20 custody.
type Config struct {
	ChainID      int64
	Token        string
	GasLimit     uint64 // 0 estimates
	PollInterval time.Duration
	// ReceiptTimeout bounds the wait for a broadcast transaction to be mined.
	ReceiptTimeout time.Duration
}

const defaultReceiptTimeout = 2 * time.Minute

// Custody implements domain.TokenCustody on an ERC-20 token.
type Custody struct {
	backend Backend
	key     *ecdsa.PrivateKey
	wallet  common.Address
	token   common.Address
	chainID *big.Int
	signer  types.Signer
	cfg     Config
	logger  *slog.Logger

	// Sends are serialised so nonces never collide.
	mu sync.Mutex
}

// Dial connects to rpcURL and returns a custody signing with key.
func Dial(ctx context.Context, rpcURL string, key *ecdsa.PrivateKey, cfg Config, logger *slog.Logger) (*Custody, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", rpcURL, err)
	}
	return New(client, key, cfg, logger)
}

// New creates a custody over an existing backend.
func New(backend Backend, key *ecdsa.PrivateKey, cfg Config, logger *slog.Logger) (*Custody, error) {
	if !common.IsHexAddress(cfg.Token) {
		return nil, fmt.Errorf("evm: token address %q", cfg.Token)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("evm: chain id %d", cfg.ChainID)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = defaultReceiptTimeout
	}
	chainID := big.NewInt(cfg.ChainID)
	return &Custody{
		backend: backend,
		key:     key,
		wallet:  ethcrypto.PubkeyToAddress(key.PublicKey),
		token:   common.HexToAddress(cfg.Token),
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "evm_custody")),
	}, nil
}

// Close releases the backend connection when it has one.
func (c *Custody) Close() {
	if cl, ok := c.backend.(interface{ Close() }); ok {
		cl.Close()
	}
}

// Wallet returns the custody address that holds every market pool.
func (c *Custody) Wallet() common.Address {
	return c.wallet
}

// resolve maps an account name to a chain address. Market accounts live in
// the custody wallet; users are named by their hex address.
func (c *Custody) resolve(account string) (common.Address, error) {
	if strings.HasPrefix(account, "market:") {
		return c.wallet, nil
	}
	if !common.IsHexAddress(account) {
		return common.Address{}, fmt.Errorf("evm: account %q is not an address: %w", account, domain.ErrInvalidAccount)
	}
	return common.HexToAddress(account), nil
}

// Transfer moves amount base units. Stakes are pulled with transferFrom
// against the user's allowance; payouts are sent with transfer. It returns
// once the transaction is mined with success status.
//
// Errors before broadcast and reverted receipts wrap domain.ErrTransferFailed:
// no tokens moved. Once the transaction is out, a receipt that does not
// arrive within ReceiptTimeout yields a *domain.PendingTransferError carrying
// the hash, because the transaction can still be mined. The wait is detached
// from ctx cancellation for the same reason and bounded only by the timeout.
func (c *Custody) Transfer(ctx context.Context, from, to string, amount uint64) error {
	src, err := c.resolve(from)
	if err != nil {
		return err
	}
	dst, err := c.resolve(to)
	if err != nil {
		return err
	}
	if src == dst {
		// Market to market moves stay inside the custody wallet.
		return nil
	}

	var data []byte
	switch {
	case src == c.wallet:
		data, err = packTransfer(dst, amount)
	case dst == c.wallet:
		data, err = packTransferFrom(src, dst, amount)
	default:
		return fmt.Errorf("evm: %s -> %s bypasses custody: %w", from, to, domain.ErrInvalidAccount)
	}
	if err != nil {
		return fmt.Errorf("evm: encode transfer: %w", err)
	}

	hash, err := c.send(ctx, data)
	if err != nil {
		return fmt.Errorf("evm: send %s -> %s: %w: %w", from, to, domain.ErrTransferFailed, err)
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReceiptTimeout)
	defer cancel()
	if err := c.waitMined(wctx, hash); err != nil {
		if errors.Is(err, errReverted) {
			return fmt.Errorf("evm: tx %s: %w: %w", hash.Hex(), domain.ErrTransferFailed, err)
		}
		c.logger.ErrorContext(ctx, "token transfer unconfirmed",
			slog.String("tx", hash.Hex()),
			slog.String("from", from),
			slog.String("to", to),
			slog.Uint64("amount", amount),
			slog.String("error", err.Error()),
		)
		return &domain.PendingTransferError{Ref: hash.Hex(), Err: err}
	}
	c.logger.InfoContext(ctx, "token transfer mined",
		slog.String("tx", hash.Hex()),
		slog.String("from", from),
		slog.String("to", to),
		slog.Uint64("amount", amount),
	)
	return nil
}

func (c *Custody) send(ctx context.Context, data []byte) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.wallet)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("head: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	gas := c.cfg.GasLimit
	if gas == 0 {
		gas, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.wallet, To: &c.token, Data: data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
		}
	}

	tx, err := types.SignNewTx(c.key, c.signer, &types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &c.token,
		Data:      data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

var errReverted = errors.New("transaction reverted")

func (c *Custody) waitMined(ctx context.Context, hash common.Hash) error {
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		r, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			if r.Status != types.ReceiptStatusSuccessful {
				return errReverted
			}
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// TransferStatus looks up a transaction previously reported as pending.
func (c *Custody) TransferStatus(ctx context.Context, ref string) (domain.TransferStatus, error) {
	if len(strings.TrimPrefix(ref, "0x")) != 64 {
		return "", fmt.Errorf("evm: transfer ref %q is not a tx hash: %w", ref, domain.ErrInvalidAccount)
	}
	r, err := c.backend.TransactionReceipt(ctx, common.HexToHash(ref))
	if errors.Is(err, ethereum.NotFound) {
		return domain.TransferStatusPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("evm: receipt %s: %w", ref, err)
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return domain.TransferStatusReverted, nil
	}
	return domain.TransferStatusSettled, nil
}

// TokenBalance returns the on-chain balance of account. Every market account
// reports the whole custody wallet, so this is not a per-market balance.
func (c *Custody) TokenBalance(ctx context.Context, account string) (uint64, error) {
	addr, err := c.resolve(account)
	if err != nil {
		return 0, err
	}
	data, err := packBalanceOf(addr)
	if err != nil {
		return 0, fmt.Errorf("evm: encode balanceOf: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("evm: balanceOf %s: %w", account, err)
	}
	v, err := unpackUint256("balanceOf", out)
	if err != nil {
		return 0, fmt.Errorf("evm: decode balanceOf: %w", err)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("evm: balance of %s overflows uint64", account)
	}
	return v.Uint64(), nil
}

var (
	_ domain.TokenCustody         = (*Custody)(nil)
	_ domain.TransferStatusReader = (*Custody)(nil)
)
