package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/lmsrmarket/internal/crypto"
)

// EncryptKeyCommand returns the encrypt-key command. The private key and
// password come from the environment so they stay out of shell history.
func EncryptKeyCommand() *cobra.Command {
	var (
		out       string
		keyEnv    string
		passEnv   string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "encrypt-key",
		Short: "Encrypt the custody signing key for evm.encrypted_key_path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hexKey := os.Getenv(keyEnv)
			if hexKey == "" {
				return fmt.Errorf("%s is not set", keyEnv)
			}
			password := os.Getenv(passEnv)
			if password == "" {
				return fmt.Errorf("%s is not set", passEnv)
			}

			blob, err := crypto.EncryptKey(hexKey, password)
			if err != nil {
				return err
			}

			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if overwrite {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			f, err := os.OpenFile(out, flags, 0o600)
			if errors.Is(err, os.ErrExist) {
				return fmt.Errorf("%s exists; pass --force to replace it", out)
			}
			if err != nil {
				return err
			}
			if _, err := f.Write(blob); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote encrypted key to %s.\n", out)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&out, "out", "o", "custody.key", "output file")
	f.StringVar(&keyEnv, "key-env", "LMSR_CUSTODY_EVM_PRIVATE_KEY", "environment variable holding the hex private key")
	f.StringVar(&passEnv, "password-env", "LMSR_CUSTODY_EVM_KEY_PASSWORD", "environment variable holding the encryption password")
	f.BoolVar(&overwrite, "force", false, "replace an existing output file")
	return cmd
}
