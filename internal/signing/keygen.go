package signing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// KeygenSigner delegates to the ssh-keygen binary (`-Y sign` / `-Y verify`).
// The caller's context bounds each invocation.
type KeygenSigner struct {
	// Binary defaults to "ssh-keygen" on PATH.
	Binary string
	// KeyPath is the private key used by Sign.
	KeyPath string
	// AllowedSignersPath is the allowed_signers file used by Verify.
	AllowedSignersPath string
}

func (k *KeygenSigner) binary() (string, error) {
	name := k.Binary
	if name == "" {
		name = "ssh-keygen"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	return path, nil
}

// Sign runs `ssh-keygen -Y sign -f key -n namespace` with payload on stdin.
func (k *KeygenSigner) Sign(ctx context.Context, payload []byte, keyID, namespace string) ([]byte, error) {
	bin, err := k.binary()
	if err != nil {
		return nil, err
	}
	if k.KeyPath == "" {
		return nil, fmt.Errorf("%w: no signing key configured", ErrSignerUnavailable)
	}
	cmd := exec.CommandContext(ctx, bin, "-Y", "sign", "-f", k.KeyPath, "-n", namespace)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ssh-keygen sign: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%w: ssh-keygen produced no signature", ErrSignerUnavailable)
	}
	return stdout.Bytes(), nil
}

// Verify runs `ssh-keygen -Y verify` once per allowed principal and accepts
// the first success.
func (k *KeygenSigner) Verify(ctx context.Context, payload, signature []byte, allowed []string, namespace string) error {
	bin, err := k.binary()
	if err != nil {
		return err
	}
	if k.AllowedSignersPath == "" {
		return fmt.Errorf("%w: no allowed signers file configured", ErrSignerUnavailable)
	}
	if _, err := os.Stat(k.AllowedSignersPath); err != nil {
		return fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	sigFile, err := os.CreateTemp("", "witness-sig-*.sig")
	if err != nil {
		return err
	}
	defer os.Remove(sigFile.Name())
	if _, err := sigFile.Write(signature); err != nil {
		sigFile.Close()
		return err
	}
	if err := sigFile.Close(); err != nil {
		return err
	}

	var errs []error
	for _, principal := range allowed {
		cmd := exec.CommandContext(ctx, bin, "-Y", "verify",
			"-f", k.AllowedSignersPath, "-I", principal, "-n", namespace, "-s", sigFile.Name())
		cmd.Stdin = bytes.NewReader(payload)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w: %s", principal, err, strings.TrimSpace(stderr.String())))
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return ErrPrincipalNotAllowed
	}
	return fmt.Errorf("%w: %w", ErrSignatureInvalid, errors.Join(errs...))
}
