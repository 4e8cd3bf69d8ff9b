package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/app"
	"github.com/alanyoungcy/lmsrmarket/internal/config"
	"github.com/alanyoungcy/lmsrmarket/internal/crypto"
	"github.com/alanyoungcy/lmsrmarket/internal/custody"
	"github.com/alanyoungcy/lmsrmarket/internal/service"
)

const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// writeConfig writes a config pointing at a fresh SQLite ledger and returns
// its path.
func writeConfig(t *testing.T) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "lmsr.db")
	cfgPath = filepath.Join(dir, "lmsr.toml")
	data := fmt.Sprintf("[store]\ndriver = \"sqlite\"\n\n[sqlite]\npath = %q\n\n[server]\nenabled = false\n", dbPath)
	if err := os.WriteFile(cfgPath, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath, dbPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := RootCommand()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// seedMarket opens market 0 directly through the service, funding the
// creator from in-memory custody.
func seedMarket(t *testing.T, cfgPath string) {
	t.Helper()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps, cleanup, err := app.Wire(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("wire: %v", err)
	}
	defer cleanup()

	bank := custody.NewMemory()
	bank.Mint("alice", 1_000_000_000)
	deps.Custody = bank

	now := time.Now().UTC()
	_, err = app.NewMarketService(cfg, deps, logger).CreateMarket(context.Background(), service.CreateRequest{
		Creator:     "alice",
		TargetPrice: 3000,
		PriceFeedID: "eth-usd",
		ResolveFrom: now.Add(time.Hour),
		ResolveTo:   now.Add(2 * time.Hour),
		Subsidy:     100,
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
}

func TestMigrateSQLite(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)

	out, err := run(t, "--config", cfgPath, "migrate")
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !strings.Contains(out, "SQLite schema ready") {
		t.Errorf("unexpected output: %q", out)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestMarketListEmpty(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := run(t, "--config", cfgPath, "market", "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if strings.TrimSpace(out) != "No markets." {
		t.Errorf("expected empty listing, got %q", out)
	}
}

func TestMarketListRejectsUnknownStatus(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	_, err := run(t, "--config", cfgPath, "market", "list", "--status", "pending")
	if err == nil || !strings.Contains(err.Error(), "--status") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestMarketInspection(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	seedMarket(t, cfgPath)

	out, err := run(t, "--config", cfgPath, "market", "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "eth-usd") || !strings.Contains(out, "open") {
		t.Errorf("listing missing market:\n%s", out)
	}

	out, err = run(t, "--config", cfgPath, "market", "get", "0")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	for _, want := range []string{"Market:      0", "Creator:     alice", "Prices:      0.5000 / 0.5000"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}

	if _, err := run(t, "--config", cfgPath, "market", "get", "7"); err == nil {
		t.Error("expected error for unknown market")
	}
	if _, err := run(t, "--config", cfgPath, "market", "get", "abc"); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestQuote(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	seedMarket(t, cfgPath)

	out, err := run(t, "--config", cfgPath, "quote", "0", "--shares", "10")
	if err != nil {
		t.Fatalf("quote failed: %v", err)
	}
	if !strings.Contains(out, "buy 10 shares of outcome 0") {
		t.Errorf("unexpected quote:\n%s", out)
	}

	out, err = run(t, "--config", cfgPath, "quote", "0", "--outcome", "1", "--budget", "1000000")
	if err != nil {
		t.Fatalf("budget quote failed: %v", err)
	}
	if !strings.Contains(out, "of outcome 1") {
		t.Errorf("unexpected budget quote:\n%s", out)
	}

	if _, err := run(t, "--config", cfgPath, "quote", "0", "--outcome", "2", "--shares", "1"); err == nil {
		t.Error("expected error for outcome 2")
	}
	if _, err := run(t, "--config", cfgPath, "quote", "0"); err == nil {
		t.Error("expected error without shares or budget")
	}
}

func TestReconcileAll(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	seedMarket(t, cfgPath)

	// In-memory custody starts empty in every process, so only the custody
	// check can disagree with the books written by seedMarket.
	out, err := run(t, "--config", cfgPath, "reconcile")
	if err != errUnreconciled {
		t.Fatalf("expected errUnreconciled, got %v\n%s", err, out)
	}
	if !strings.Contains(out, "custody_balance") {
		t.Errorf("expected custody discrepancy:\n%s", out)
	}
	for _, check := range []string{"pool_vs_journal", "held_vs_positions", "outstanding_"} {
		if strings.Contains(out, check) {
			t.Errorf("unexpected %s discrepancy:\n%s", check, out)
		}
	}
}

func TestMarketCreateWithoutFunds(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	from := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	to := time.Now().UTC().Add(2 * time.Hour).Format(time.RFC3339)

	_, err := run(t, "--config", cfgPath, "market", "create",
		"--creator", "bob", "--feed", "eth-usd", "--target", "3000",
		"--from", from, "--to", to, "--subsidy", "100")
	if err == nil {
		t.Fatal("expected transfer failure for unfunded creator")
	}

	out, err := run(t, "--config", cfgPath, "market", "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if strings.TrimSpace(out) != "No markets." {
		t.Errorf("failed create left a market behind:\n%s", out)
	}
}

func TestMintRequiresCapableCustody(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	_, err := run(t, "--config", cfgPath, "mint", "alice", "--amount", "5")
	if err == nil || !strings.Contains(err.Error(), "cannot mint") {
		t.Fatalf("expected mint refusal, got %v", err)
	}
}

func TestEncryptKeyRoundTrip(t *testing.T) {
	out := filepath.Join(t.TempDir(), "custody.key")
	t.Setenv("TEST_KEY", devKey)
	t.Setenv("TEST_PASSWORD", "correct horse")

	if _, err := run(t, "encrypt-key", "--out", out, "--key-env", "TEST_KEY", "--password-env", "TEST_PASSWORD"); err != nil {
		t.Fatalf("encrypt-key failed: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read key file: %v", err)
	}
	got, err := crypto.DecryptKey(data, "correct horse")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	want, err := crypto.ParseKey(devKey)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.D.Cmp(want.D) != 0 {
		t.Error("decrypted key does not match")
	}

	_, err = run(t, "encrypt-key", "--out", out, "--key-env", "TEST_KEY", "--password-env", "TEST_PASSWORD")
	if err == nil || !strings.Contains(err.Error(), "--force") {
		t.Errorf("expected refusal to overwrite, got %v", err)
	}
	if _, err := run(t, "encrypt-key", "--out", out, "--key-env", "TEST_KEY", "--password-env", "TEST_PASSWORD", "--force"); err != nil {
		t.Errorf("forced overwrite failed: %v", err)
	}
}

func TestEncryptKeyMissingEnv(t *testing.T) {
	t.Setenv("TEST_KEY", "")
	_, err := run(t, "encrypt-key", "--out", filepath.Join(t.TempDir(), "k"), "--key-env", "TEST_KEY")
	if err == nil || !strings.Contains(err.Error(), "TEST_KEY is not set") {
		t.Fatalf("expected missing env error, got %v", err)
	}
}
