package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/config"
	"github.com/alanyoungcy/lmsrmarket/internal/custody"
	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/notify"
	"github.com/alanyoungcy/lmsrmarket/internal/service"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "lmsr.db")
	cfg.Server.RateLimit = 0
	return &cfg
}

func TestWireDefaults(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.Validate())

	deps, cleanup, err := Wire(context.Background(), cfg, quiet)
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Ledger)
	assert.NotNil(t, deps.Audit)
	assert.IsType(t, &custody.Memory{}, deps.Custody)
	assert.NotNil(t, deps.Oracle)
	assert.Nil(t, deps.Locks)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.BlobWriter)
	assert.Nil(t, deps.Notifier)
	assert.Contains(t, deps.Health, "sqlite")
	require.NoError(t, deps.Health["sqlite"].Ping(context.Background()))
}

type capture struct {
	titles   []string
	messages []string
}

func (c *capture) Send(_ context.Context, title, message string) error {
	c.titles = append(c.titles, title)
	c.messages = append(c.messages, message)
	return nil
}

func (c *capture) Name() string { return "capture" }

type fixedOracle struct{ price float64 }

func (f fixedOracle) GetPrice(_ context.Context, _ string, w domain.Window) (domain.Observation, error) {
	return domain.Observation{Price: f.price, PublishTime: w.From}, nil
}

// leaky pays out less than it is asked to, so the market account drifts from
// the recorded pool.
type leaky struct{ *custody.Memory }

func (l leaky) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if strings.HasPrefix(to, "market:") && amount > 0 {
		amount--
	}
	return l.Memory.Transfer(ctx, from, to, amount)
}

func TestResolutionRaisesReconcileAlert(t *testing.T) {
	cfg := testConfig(t)
	deps, cleanup, err := Wire(context.Background(), cfg, quiet)
	require.NoError(t, err)
	defer cleanup()

	bank := custody.NewMemory()
	bank.Mint("alice", 1_000_000_000)
	deps.Custody = leaky{bank}
	deps.Oracle = fixedOracle{price: 2500}
	sink := &capture{}
	deps.Notifier = notify.NewNotifier([]notify.Sender{sink}, nil, quiet)

	svc := NewMarketService(cfg, deps, quiet)
	now := time.Now().UTC()
	m, err := svc.CreateMarket(context.Background(), service.CreateRequest{
		Creator:     "alice",
		TargetPrice: 3000,
		PriceFeedID: "eth-usd",
		ResolveFrom: now.Add(-time.Second),
		ResolveTo:   now.Add(time.Hour),
		Subsidy:     10,
	})
	require.NoError(t, err)

	_, err = svc.Resolve(context.Background(), m.ID)
	require.NoError(t, err)

	require.Len(t, sink.titles, 2)
	assert.Equal(t, notify.ResolutionTitle(m), sink.titles[0])
	assert.Contains(t, sink.titles[1], "failed reconciliation")
	assert.Contains(t, sink.messages[1], "custody_balance")
}
