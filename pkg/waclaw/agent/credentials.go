// Package agent – credentials.go resolves the secret injected into the
// agent container.
//
// Resolution order:
//  1. WACLAW_AGENT_TOKEN environment variable (includes .env)
//  2. OS keyring (Linux: Secret Service, macOS: Keychain, Windows:
//     Credential Manager)
//  3. Encrypted vault file (AES-256-GCM, argon2id key derivation),
//     unlocked with WACLAW_VAULT_PASSPHRASE or an interactive prompt
package agent

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

const (
	keyringService = "waclaw"
	keyringToken   = "agent_token"
)

// ResolveCredential walks the resolution chain and returns the agent
// token. An empty return means the agent runs without credentials (the
// container may still work against a local model).
func ResolveCredential(logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}

	if v := os.Getenv("WACLAW_AGENT_TOKEN"); v != "" {
		return v
	}

	if v, err := keyring.Get(keyringService, keyringToken); err == nil && v != "" {
		logger.Debug("credentials: resolved from OS keyring")
		return v
	}

	if v := resolveFromVault(logger); v != "" {
		logger.Debug("credentials: resolved from vault")
		return v
	}

	logger.Warn("credentials: no agent token found; container runs unauthenticated")
	return ""
}

// StoreCredential saves the token to the OS keyring.
func StoreCredential(token string) error {
	return keyring.Set(keyringService, keyringToken, token)
}

// ---------- Vault ----------

// vaultFile is the encrypted secrets file format.
type vaultFile struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// vaultSecrets is the decrypted payload.
type vaultSecrets struct {
	AgentToken string `json:"agent_token"`
}

// vaultPath returns the vault location under the user config dir.
func vaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "waclaw", "credentials.vault")
}

// resolveFromVault decrypts the vault if present and a passphrase is
// obtainable.
func resolveFromVault(logger *slog.Logger) string {
	path := vaultPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	passphrase := os.Getenv("WACLAW_VAULT_PASSPHRASE")
	if passphrase == "" {
		passphrase = promptPassphrase()
	}
	if passphrase == "" {
		return ""
	}

	secrets, err := decryptVault(data, []byte(passphrase))
	if err != nil {
		logger.Warn("credentials: vault decryption failed", "error", err)
		return ""
	}
	return secrets.AgentToken
}

// promptPassphrase asks on the terminal when one is attached.
func promptPassphrase() string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return ""
	}
	fmt.Fprint(os.Stderr, "Vault passphrase: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return ""
	}
	return string(pw)
}

// WriteVault encrypts the token into the vault file.
func WriteVault(token, passphrase string) error {
	secrets := vaultSecrets{AgentToken: token}
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return err
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key := deriveKey([]byte(passphrase), salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	vf := vaultFile{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	}
	data, err := json.MarshalIndent(vf, "", "  ")
	if err != nil {
		return err
	}

	path := vaultPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// decryptVault opens the vault with the given passphrase.
func decryptVault(data, passphrase []byte) (*vaultSecrets, error) {
	var vf vaultFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("parsing vault: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(vf.Salt)
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(vf.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(vf.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("wrong passphrase or corrupted vault")
	}

	var secrets vaultSecrets
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets: %w", err)
	}
	return &secrets, nil
}

// deriveKey stretches the passphrase with argon2id.
func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}
