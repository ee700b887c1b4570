package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/quillcms/authgate/pkg/config"
	"github.com/quillcms/authgate/pkg/logger"
)

// KeyProvider loads and caches the gateway's static key material. Keys are
// parsed once at construction; a parse failure is returned to the caller and
// must be treated as fatal at startup.
type KeyProvider struct {
	signingKey   *rsa.PrivateKey
	verifyingKey *rsa.PublicKey
	devFallback  bool
}

// NewKeyProvider loads the configured PEM material. When no material is
// configured and cfg.DevFallback is set, an in-memory key pair is generated;
// every use of the fallback logs a warning.
func NewKeyProvider(cfg config.Keys) (*KeyProvider, error) {
	p := &KeyProvider{}

	if cfg.SigningKeyPath != "" {
		key, err := loadSigningKey(cfg.SigningKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key from %s: %w", cfg.SigningKeyPath, err)
		}
		p.signingKey = key
		p.verifyingKey = &key.PublicKey
	}

	if cfg.VerifyingKeyPath != "" {
		key, err := loadVerifyingKey(cfg.VerifyingKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load verifying key from %s: %w", cfg.VerifyingKeyPath, err)
		}
		p.verifyingKey = key
	}

	if p.signingKey == nil && p.verifyingKey == nil && cfg.DevFallback {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate development key pair: %w", err)
		}
		p.signingKey = key
		p.verifyingKey = &key.PublicKey
		p.devFallback = true
		logger.Warn("USING GENERATED DEVELOPMENT KEY PAIR - DO NOT USE IN PRODUCTION")
	}

	return p, nil
}

// SigningKey returns the cached signing key, if any.
func (p *KeyProvider) SigningKey() (*rsa.PrivateKey, bool) {
	if p.signingKey == nil {
		return nil, false
	}
	p.warnIfDevFallback()
	return p.signingKey, true
}

// VerifyingKey returns the cached verifying key, if any.
func (p *KeyProvider) VerifyingKey() (*rsa.PublicKey, bool) {
	if p.verifyingKey == nil {
		return nil, false
	}
	p.warnIfDevFallback()
	return p.verifyingKey, true
}

func (p *KeyProvider) warnIfDevFallback() {
	if p.devFallback {
		logger.Warn("using development fallback key material")
	}
}

func loadSigningKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEMBlock(path)
	if err != nil {
		return nil, err
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, expected RSA", key)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
}

func loadVerifyingKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEMBlock(path)
	if err != nil {
		return nil, err
	}

	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, expected RSA", key)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
}

func readPEMBlock(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is operator-supplied
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return block, nil
}
