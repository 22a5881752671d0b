package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Secrets file layout: [salt][nonce][AES-256-GCM ciphertext of a JSON object].
const (
	StateDir        = ".callguard"
	secretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	scryptN         = 32768 // 2^15
	scryptR         = 8
	scryptP         = 1
	keySize         = 32 // AES-256
)

// ErrDecrypt is returned when the password is wrong or the file was tampered with.
var ErrDecrypt = errors.New("decryption failed (wrong password or corrupted file)")

// Vault holds decrypted secrets in memory. Lookups fall back to the environment.
type Vault struct {
	secrets map[string]string
	mu      sync.RWMutex
}

// NewVault returns a vault seeded with secrets. The map is copied.
func NewVault(secrets map[string]string) *Vault {
	v := &Vault{secrets: make(map[string]string, len(secrets))}
	for k, val := range secrets {
		v.secrets[k] = val
	}
	return v
}

// Lookup returns a secret from the vault, then the environment. Empty values count as unset.
// Its signature matches authgate.LookupFunc.
func (v *Vault) Lookup(name string) (string, bool) {
	v.mu.RLock()
	value, ok := v.secrets[name]
	v.mu.RUnlock()
	if ok && value != "" {
		return value, true
	}
	if env := os.Getenv(name); env != "" {
		return env, true
	}
	return "", false
}

// Get is Lookup with an error for missing names.
func (v *Vault) Get(name string) (string, error) {
	if value, ok := v.Lookup(name); ok {
		return value, nil
	}
	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

// Set stores a secret in memory. Call Save to persist it.
func (v *Vault) Set(name, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[name] = value
}

// Delete removes a secret from memory.
func (v *Vault) Delete(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, name)
}

// Names lists the secrets held in memory, sorted. Environment fallbacks are not included.
func (v *Vault) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.secrets))
	for name := range v.secrets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Save encrypts the vault contents into the secrets file under dir.
func (v *Vault) Save(dir, password string) error {
	v.mu.RLock()
	snapshot := make(map[string]string, len(v.secrets))
	for k, val := range v.secrets {
		snapshot[k] = val
	}
	v.mu.RUnlock()
	return EncryptSecretsFile(dir, password, snapshot)
}

// UnlockVault decrypts the secrets file under dir into a vault. A missing file yields an
// empty vault so that environment lookups still work.
func UnlockVault(dir, password string) (*Vault, error) {
	if !SecretsFileExists(dir) {
		return NewVault(nil), nil
	}
	secrets, err := DecryptSecretsFile(dir, password)
	if err != nil {
		return nil, err
	}
	return NewVault(secrets), nil
}

// Process-wide vault used by GetSecret. Empty until SetVault is called.
//
//nolint:gochecknoglobals // Intentional global state for in-memory secrets storage
var (
	defaultVault   = NewVault(nil)
	defaultVaultMu sync.RWMutex
)

// SetVault installs v as the process-wide vault. Nil resets it to an empty vault.
func SetVault(v *Vault) {
	if v == nil {
		v = NewVault(nil)
	}
	defaultVaultMu.Lock()
	defer defaultVaultMu.Unlock()
	defaultVault = v
}

func currentVault() *Vault {
	defaultVaultMu.RLock()
	defer defaultVaultMu.RUnlock()
	return defaultVault
}

// GetSecret returns a secret by name: decrypted secrets file first, then environment.
func GetSecret(name string) (string, error) {
	return currentVault().Get(name)
}

// LookupSecret is GetSecret in comma-ok form.
func LookupSecret(name string) (string, bool) {
	return currentVault().Lookup(name)
}

// SecretsPath returns the secrets file location under dir.
func SecretsPath(dir string) string {
	return filepath.Join(dir, StateDir, secretsFileName)
}

// SecretsFileExists checks if the encrypted secrets file exists.
func SecretsFileExists(dir string) bool {
	_, err := os.Stat(SecretsPath(dir))
	return err == nil
}

func deriveAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptSecretsFile writes secrets to the encrypted file under dir with 0600 permissions.
func EncryptSecretsFile(dir, password string, secrets map[string]string) error {
	if password == "" {
		return errors.New("secrets password is empty")
	}

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := deriveAEAD(password, salt)
	if err != nil {
		return err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)

	path := SecretsPath(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", StateDir, err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("failed to set secrets file permissions: %w", err)
	}
	return nil
}

// DecryptSecretsFile reads and decrypts the secrets file under dir.
func DecryptSecretsFile(dir, password string) (map[string]string, error) {
	path := SecretsPath(dir)

	if info, err := os.Stat(path); err == nil && info.Mode().Perm()&0o077 != 0 {
		getLogger().Warn("secrets file %s has permissions %04o, expected 0600", path, info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(data) < saltSize+nonceSize {
		return nil, ErrDecrypt
	}

	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]
	ciphertext := data[saltSize+nonceSize:]

	gcm, err := deriveAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets JSON: %w", err)
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	return secrets, nil
}
