package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	signingKeyFile = "signing.key"
	publicKeyExt   = ".pub"
)

// LoadOrCreateEd25519 loads the ledger signing key from dir, generating and
// persisting a new one on first run.
func LoadOrCreateEd25519(dir string) (ed25519.PrivateKey, error) {
	key, err := LoadEd25519(filepath.Join(dir, signingKeyFile))
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return CreateEd25519(dir)
}

// CreateEd25519 generates a key pair and writes the private key (PKCS#8) and
// a fingerprint-named public key (PKIX) into dir.
func CreateEd25519(dir string) (ed25519.PrivateKey, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir %q: %w", dir, err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal signing key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, signingKeyFile), keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write signing key: %w", err)
	}
	pubPEM, err := EncodePublicKey(pub)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, Ed25519KeyID(pub)+publicKeyExt), pubPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	return priv, nil
}

// LoadEd25519 reads a PKCS#8 PEM private key.
func LoadEd25519(path string) (ed25519.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("signing key %s: no PEM block", path)
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	priv, ok := k.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s is %T, want ed25519", path, k)
	}
	return priv, nil
}

// EncodePublicKey returns pub in PKIX PEM form.
func EncodePublicKey(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// LoadPublicKeys adds every *.pub file in dir to ring. Retired keys stay in
// the directory so old signatures keep verifying.
func LoadPublicKeys(dir string, ring *KeyRing) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read key dir: %w", err)
	}
	n := 0
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), publicKeyExt) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, de.Name()))
		if err != nil {
			return n, fmt.Errorf("read %s: %w", de.Name(), err)
		}
		block, _ := pem.Decode(b)
		if block == nil {
			return n, fmt.Errorf("%s: no PEM block", de.Name())
		}
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return n, fmt.Errorf("parse %s: %w", de.Name(), err)
		}
		pub, ok := k.(ed25519.PublicKey)
		if !ok {
			continue
		}
		ring.AddEd25519(pub)
		n++
	}
	return n, nil
}
