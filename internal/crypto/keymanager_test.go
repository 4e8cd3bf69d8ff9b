package crypto

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Well-known development key; never holds funds.
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
const devAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey(devKey, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	var kf keyFile
	if err := json.Unmarshal(blob, &kf); err != nil {
		t.Fatal(err)
	}
	if kf.Address != devAddr {
		t.Errorf("address = %s, want %s", kf.Address, devAddr)
	}

	key, err := DecryptKey(blob, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if got := ethcrypto.PubkeyToAddress(key.PublicKey).Hex(); got != devAddr {
		t.Errorf("decrypted address = %s", got)
	}

	if _, err := DecryptKey(blob, "wrong"); err == nil {
		t.Error("wrong password should fail")
	}
}

func TestDecryptRejectsSwappedAddress(t *testing.T) {
	blob, err := EncryptKey(devKey, "pw")
	if err != nil {
		t.Fatal(err)
	}
	var kf keyFile
	_ = json.Unmarshal(blob, &kf)
	kf.Address = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	tampered, _ := json.Marshal(kf)
	if _, err := DecryptKey(tampered, "pw"); err == nil {
		t.Error("tampered address should fail authentication")
	}
}

func TestLoadKey(t *testing.T) {
	blob, err := EncryptKey(devKey, "pw")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "custody.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     KeyConfig
		wantErr bool
	}{
		{"raw", KeyConfig{RawPrivateKey: devKey}, false},
		{"raw without prefix", KeyConfig{RawPrivateKey: devKey[2:]}, false},
		{"file", KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"}, false},
		{"file wrong password", KeyConfig{EncryptedKeyPath: path, KeyPassword: "nope"}, true},
		{"bad hex", KeyConfig{RawPrivateKey: "0xzz"}, true},
		{"nothing", KeyConfig{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := LoadKey(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := ethcrypto.PubkeyToAddress(key.PublicKey).Hex(); got != devAddr {
				t.Errorf("address = %s", got)
			}
		})
	}
}

func TestEncryptKeyValidation(t *testing.T) {
	if _, err := EncryptKey(devKey, ""); err == nil {
		t.Error("empty password should fail")
	}
	if _, err := EncryptKey("0x1234", "pw"); err == nil {
		t.Error("short key should fail")
	}
}
