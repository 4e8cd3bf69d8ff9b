package evm

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

const (
	devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	token  = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	user   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

type fakeBackend struct {
	sent    []*types.Transaction
	status  uint64
	pending int
	balance *big.Int
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(7)}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if f.pending > 0 {
		f.pending--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status}, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return common.LeftPadBytes(f.balance.Bytes(), 32), nil
}

func newCustody(t *testing.T, b *fakeBackend) *Custody {
	return newCustodyTimeout(t, b, 0)
}

func newCustodyTimeout(t *testing.T, b *fakeBackend, receiptTimeout time.Duration) *Custody {
	t.Helper()
	key, err := ethcrypto.HexToECDSA(devKey)
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(b, key, Config{ChainID: 31337, Token: token, PollInterval: time.Millisecond, ReceiptTimeout: receiptTimeout},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSelectors(t *testing.T) {
	to := common.HexToAddress(user)
	tests := []struct {
		name string
		pack func() ([]byte, error)
		want string
	}{
		{"transfer", func() ([]byte, error) { return packTransfer(to, 1) }, "a9059cbb"},
		{"transferFrom", func() ([]byte, error) { return packTransferFrom(to, to, 1) }, "23b872dd"},
		{"balanceOf", func() ([]byte, error) { return packBalanceOf(to) }, "70a08231"},
	}
	for _, tt := range tests {
		data, err := tt.pack()
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got := hex.EncodeToString(data[:4]); got != tt.want {
			t.Errorf("%s selector = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestStakePullsWithTransferFrom(t *testing.T) {
	b := &fakeBackend{status: types.ReceiptStatusSuccessful, pending: 2}
	c := newCustody(t, b)

	if err := c.Transfer(context.Background(), user, domain.MarketAccount(3), 5_124_948); err != nil {
		t.Fatal(err)
	}
	if len(b.sent) != 1 {
		t.Fatalf("sent %d txs", len(b.sent))
	}
	tx := b.sent[0]
	if *tx.To() != common.HexToAddress(token) {
		t.Errorf("to = %s", tx.To().Hex())
	}
	if hex.EncodeToString(tx.Data()[:4]) != "23b872dd" {
		t.Errorf("selector = %x", tx.Data()[:4])
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	if err != nil || from != c.Wallet() {
		t.Errorf("sender = %s, %v", from.Hex(), err)
	}
	if tx.GasFeeCap().Cmp(big.NewInt(1_000_000_014)) != 0 {
		t.Errorf("fee cap = %s", tx.GasFeeCap())
	}
}

func TestPayoutUsesTransfer(t *testing.T) {
	b := &fakeBackend{status: types.ReceiptStatusSuccessful}
	c := newCustody(t, b)

	if err := c.Transfer(context.Background(), domain.MarketAccount(3), user, 10); err != nil {
		t.Fatal(err)
	}
	if hex.EncodeToString(b.sent[0].Data()[:4]) != "a9059cbb" {
		t.Errorf("selector = %x", b.sent[0].Data()[:4])
	}
}

func TestTransferErrors(t *testing.T) {
	b := &fakeBackend{status: types.ReceiptStatusFailed}
	c := newCustody(t, b)
	ctx := context.Background()

	err := c.Transfer(ctx, user, domain.MarketAccount(0), 1)
	if !errors.Is(err, domain.ErrTransferFailed) || !errors.Is(err, errReverted) {
		t.Errorf("reverted tx: %v", err)
	}

	err = c.Transfer(ctx, "bob", domain.MarketAccount(0), 1)
	if !errors.Is(err, domain.ErrInvalidAccount) {
		t.Errorf("non-address user: %v", err)
	}

	err = c.Transfer(ctx, user, "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC", 1)
	if !errors.Is(err, domain.ErrInvalidAccount) {
		t.Errorf("user to user: %v", err)
	}
}

func TestUnminedTransferIsPending(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
	}{
		{"receipt never arrives", context.Background()},
		{"caller gave up", cancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{status: types.ReceiptStatusSuccessful, pending: 1 << 30}
			c := newCustodyTimeout(t, b, 20*time.Millisecond)

			done := make(chan error, 1)
			go func() { done <- c.Transfer(tt.ctx, domain.MarketAccount(2), user, 10) }()

			var err error
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("transfer blocked past its receipt timeout")
			}

			if len(b.sent) != 1 {
				t.Fatalf("sent %d txs", len(b.sent))
			}
			if !errors.Is(err, domain.ErrTransferPending) {
				t.Fatalf("err = %v, want pending", err)
			}
			if errors.Is(err, domain.ErrTransferFailed) {
				t.Error("broadcast transfer reported as failed")
			}
			var pending *domain.PendingTransferError
			if !errors.As(err, &pending) || pending.Ref != b.sent[0].Hash().Hex() {
				t.Errorf("pending ref = %+v, want %s", pending, b.sent[0].Hash().Hex())
			}
			if domain.KindOf(err) != domain.KindUnavailable {
				t.Errorf("kind = %s", domain.KindOf(err))
			}
		})
	}
}

func TestTransferStatus(t *testing.T) {
	ref := common.HexToHash("0x01").Hex()
	tests := []struct {
		name string
		b    *fakeBackend
		want domain.TransferStatus
	}{
		{"not mined", &fakeBackend{pending: 1}, domain.TransferStatusPending},
		{"mined", &fakeBackend{status: types.ReceiptStatusSuccessful}, domain.TransferStatusSettled},
		{"reverted", &fakeBackend{status: types.ReceiptStatusFailed}, domain.TransferStatusReverted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newCustody(t, tt.b).TransferStatus(context.Background(), ref)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := newCustody(t, &fakeBackend{}).TransferStatus(context.Background(), "0x12"); err == nil {
		t.Error("short ref accepted")
	}
}

func TestTokenBalance(t *testing.T) {
	b := &fakeBackend{balance: big.NewInt(105_124_948)}
	c := newCustody(t, b)
	got, err := c.TokenBalance(context.Background(), domain.MarketAccount(1))
	if err != nil {
		t.Fatal(err)
	}
	if got != 105_124_948 {
		t.Errorf("balance = %d", got)
	}
}
