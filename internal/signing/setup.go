package signing

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

const (
	BackendNative = "native"
	BackendKeygen = "ssh-keygen"
)

// Options selects the signing backend and the identity it signs for.
type Options struct {
	Backend            string
	Binary             string
	KeyPath            string
	AllowedSignersPath string
	KeyID              string
	Namespace          string
	Allowed            []string
	Logger             *log.Logger
}

// NewGateway builds a gateway for opts. A missing key or allowed_signers
// file is not fatal: signing then fails with ErrSignerUnavailable and
// verification reports the signature invalid.
func NewGateway(opts Options) *Gateway {
	g := &Gateway{
		KeyID:     opts.KeyID,
		Namespace: opts.Namespace,
		Allowed:   opts.Allowed,
		Logger:    opts.Logger,
	}
	logger := g.logger()

	if opts.Backend == BackendKeygen {
		k := &KeygenSigner{
			Binary:             opts.Binary,
			KeyPath:            opts.KeyPath,
			AllowedSignersPath: opts.AllowedSignersPath,
		}
		g.Signer = k
		g.Verifier = k
		return g
	}

	if signer, err := LoadSSHSigner(opts.KeyPath); err == nil {
		g.Signer = signer
	} else {
		logger.Printf("signing: no signing key loaded: %v", err)
	}
	if allowed, err := LoadAllowedSigners(opts.AllowedSignersPath); err == nil {
		g.Verifier = allowed
	} else {
		logger.Printf("signing: no allowed signers loaded: %v", err)
	}
	return g
}

// WriteKeyPair writes a fresh ed25519 key to keyPath and the matching
// allowed_signers line to allowedPath. An existing key is never replaced.
func WriteKeyPair(keyPath, allowedPath, principal, namespace string) (string, error) {
	priv, pub, err := GenerateEd25519(principal)
	if err != nil {
		return "", err
	}
	for _, p := range []string{keyPath, allowedPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return "", err
		}
	}
	f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create key: %w", err)
	}
	if _, err := f.Write(priv); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	line := AllowedSignerLine(principal, namespace, pub)
	if err := os.WriteFile(allowedPath, []byte(line+"\n"), 0o644); err != nil {
		return "", err
	}
	return line, nil
}
