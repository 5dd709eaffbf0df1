package signing

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// AllowedSigner is one line of an OpenSSH allowed_signers file.
type AllowedSigner struct {
	Principals []string
	Namespaces []string
	Key        ssh.PublicKey
}

// AllowedSigners verifies SSHSIG signatures against an allowed_signers list.
type AllowedSigners struct {
	entries []AllowedSigner
}

// LoadAllowedSigners parses the allowed_signers file at path.
func LoadAllowedSigners(path string) (*AllowedSigners, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read allowed signers: %v", ErrSignerUnavailable, err)
	}
	return ParseAllowedSigners(data)
}

// ParseAllowedSigners parses "principals [options] keytype key [comment]"
// lines. Only the namespaces option is interpreted.
func ParseAllowedSigners(data []byte) (*AllowedSigners, error) {
	out := &AllowedSigners{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		principals, rest, ok := splitPrincipals(line)
		if !ok {
			return nil, fmt.Errorf("allowed signers line %d: missing key", lineNo)
		}
		key, _, options, _, err := ssh.ParseAuthorizedKey([]byte(rest))
		if err != nil {
			return nil, fmt.Errorf("allowed signers line %d: %w", lineNo, err)
		}
		entry := AllowedSigner{Principals: principals, Key: key}
		for _, opt := range options {
			name, value, found := strings.Cut(opt, "=")
			if !found || !strings.EqualFold(name, "namespaces") {
				continue
			}
			for _, ns := range strings.Split(strings.Trim(value, `"`), ",") {
				if ns = strings.TrimSpace(ns); ns != "" {
					entry.Namespaces = append(entry.Namespaces, ns)
				}
			}
		}
		out.entries = append(out.entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func splitPrincipals(line string) ([]string, string, bool) {
	var field, rest string
	if strings.HasPrefix(line, `"`) {
		end := strings.Index(line[1:], `"`)
		if end < 0 {
			return nil, "", false
		}
		field = line[1 : end+1]
		rest = line[end+2:]
	} else {
		var found bool
		field, rest, found = strings.Cut(line, " ")
		if !found {
			field, rest, found = strings.Cut(line, "\t")
			if !found {
				return nil, "", false
			}
		}
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil, "", false
	}
	var principals []string
	for _, p := range strings.Split(field, ",") {
		if p = strings.TrimSpace(p); p != "" {
			principals = append(principals, p)
		}
	}
	return principals, rest, len(principals) > 0
}

// Entries returns the parsed lines.
func (a *AllowedSigners) Entries() []AllowedSigner {
	return a.entries
}

// Verify implements Verifier: the signature must be by a key listed for one
// of the allowed principals, in namespace, and valid over payload.
func (a *AllowedSigners) Verify(ctx context.Context, payload, signature []byte, allowed []string, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parsed, err := parseSig(signature)
	if err != nil {
		return err
	}
	if parsed.namespace != namespace {
		return fmt.Errorf("%w: signed for %q, want %q", ErrNamespaceMismatch, parsed.namespace, namespace)
	}
	if !a.keyAllowed(parsed.key, allowed, namespace) {
		return ErrPrincipalNotAllowed
	}
	data, err := toSign(namespace, parsed.hashAlg, payload)
	if err != nil {
		return err
	}
	if err := parsed.key.Verify(data, &parsed.sig); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

func (a *AllowedSigners) keyAllowed(key ssh.PublicKey, allowed []string, namespace string) bool {
	want := key.Marshal()
	for _, entry := range a.entries {
		if !bytes.Equal(entry.Key.Marshal(), want) {
			continue
		}
		if len(entry.Namespaces) > 0 && !contains(entry.Namespaces, namespace) {
			continue
		}
		for _, p := range entry.Principals {
			if p == "*" || contains(allowed, p) {
				return true
			}
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// AllowedSignerLine renders an allowed_signers line for principal.
func AllowedSignerLine(principal, namespace string, key ssh.PublicKey) string {
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	if namespace == "" {
		return principal + " " + authorized
	}
	return fmt.Sprintf("%s namespaces=%q %s", principal, namespace, authorized)
}
