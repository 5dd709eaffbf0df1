package signing

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"hash"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// OpenSSH signature format (PROTOCOL.sshsig), so artifacts produced here
// verify with `ssh-keygen -Y verify` and the other way round.
const (
	sigMagic      = "SSHSIG"
	sigVersion    = 1
	sigHash       = "sha512"
	armorBegin    = "-----BEGIN SSH SIGNATURE-----"
	armorEnd      = "-----END SSH SIGNATURE-----"
	armorLineSize = 70
)

type signedData struct {
	Namespace     string
	Reserved      string
	HashAlgorithm string
	Hash          []byte
}

type sigBlob struct {
	Version       uint32
	PublicKey     []byte
	Namespace     string
	Reserved      string
	HashAlgorithm string
	Signature     []byte
}

func messageDigest(alg string, payload []byte) ([]byte, error) {
	var h hash.Hash
	switch alg {
	case "sha512":
		h = sha512.New()
	case "sha256":
		h = sha256.New()
	default:
		return nil, fmt.Errorf("%w: unsupported hash %q", ErrMalformedSignature, alg)
	}
	h.Write(payload)
	return h.Sum(nil), nil
}

func toSign(namespace, alg string, payload []byte) ([]byte, error) {
	digest, err := messageDigest(alg, payload)
	if err != nil {
		return nil, err
	}
	body := ssh.Marshal(signedData{Namespace: namespace, HashAlgorithm: alg, Hash: digest})
	return append([]byte(sigMagic), body...), nil
}

// SSHSigner signs in-process with an OpenSSH private key.
type SSHSigner struct {
	signer ssh.Signer
}

// NewSSHSigner wraps an ssh.Signer.
func NewSSHSigner(signer ssh.Signer) *SSHSigner {
	return &SSHSigner{signer: signer}
}

// LoadSSHSigner reads an unencrypted OpenSSH private key file.
func LoadSSHSigner(path string) (*SSHSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read key: %v", ErrSignerUnavailable, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse key: %v", ErrSignerUnavailable, err)
	}
	return NewSSHSigner(signer), nil
}

// PublicKey returns the signer's public key.
func (s *SSHSigner) PublicKey() ssh.PublicKey {
	return s.signer.PublicKey()
}

// Sign returns an armored SSHSIG block. keyID is only recorded by the caller;
// the identity is the key itself.
func (s *SSHSigner) Sign(ctx context.Context, payload []byte, keyID, namespace string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if namespace == "" {
		return nil, fmt.Errorf("%w: empty namespace", ErrSignerUnavailable)
	}
	data, err := toSign(namespace, sigHash, payload)
	if err != nil {
		return nil, err
	}

	var sig *ssh.Signature
	if as, ok := s.signer.(ssh.AlgorithmSigner); ok && s.signer.PublicKey().Type() == ssh.KeyAlgoRSA {
		sig, err = as.SignWithAlgorithm(rand.Reader, data, ssh.KeyAlgoRSASHA512)
	} else {
		sig, err = s.signer.Sign(rand.Reader, data)
	}
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	blob := ssh.Marshal(sigBlob{
		Version:       sigVersion,
		PublicKey:     s.signer.PublicKey().Marshal(),
		Namespace:     namespace,
		HashAlgorithm: sigHash,
		Signature:     ssh.Marshal(sig),
	})
	return armor(append([]byte(sigMagic), blob...)), nil
}

func armor(raw []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(raw)
	var buf bytes.Buffer
	buf.WriteString(armorBegin)
	buf.WriteByte('\n')
	for len(enc) > armorLineSize {
		buf.WriteString(enc[:armorLineSize])
		buf.WriteByte('\n')
		enc = enc[armorLineSize:]
	}
	buf.WriteString(enc)
	buf.WriteByte('\n')
	buf.WriteString(armorEnd)
	buf.WriteByte('\n')
	return buf.Bytes()
}

func dearmor(data []byte) ([]byte, error) {
	text := strings.TrimSpace(string(data))
	if !strings.HasPrefix(text, armorBegin) || !strings.HasSuffix(text, armorEnd) {
		return nil, fmt.Errorf("%w: missing armor", ErrMalformedSignature)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(text, armorBegin), armorEnd)
	body = strings.Join(strings.Fields(body), "")
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return raw, nil
}

type parsedSig struct {
	key       ssh.PublicKey
	namespace string
	hashAlg   string
	sig       ssh.Signature
}

func parseSig(armored []byte) (parsedSig, error) {
	raw, err := dearmor(armored)
	if err != nil {
		return parsedSig{}, err
	}
	if !bytes.HasPrefix(raw, []byte(sigMagic)) {
		return parsedSig{}, fmt.Errorf("%w: bad magic", ErrMalformedSignature)
	}
	var blob sigBlob
	if err := ssh.Unmarshal(raw[len(sigMagic):], &blob); err != nil {
		return parsedSig{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if blob.Version != sigVersion {
		return parsedSig{}, fmt.Errorf("%w: version %d", ErrMalformedSignature, blob.Version)
	}
	key, err := ssh.ParsePublicKey(blob.PublicKey)
	if err != nil {
		return parsedSig{}, fmt.Errorf("%w: public key: %v", ErrMalformedSignature, err)
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(blob.Signature, &sig); err != nil {
		return parsedSig{}, fmt.Errorf("%w: signature: %v", ErrMalformedSignature, err)
	}
	return parsedSig{key: key, namespace: blob.Namespace, hashAlg: blob.HashAlgorithm, sig: sig}, nil
}

// GenerateEd25519 creates an Ed25519 key pair and returns the private key as
// an OpenSSH PEM block.
func GenerateEd25519(comment string) ([]byte, ssh.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, nil, err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(block), sshPub, nil
}
