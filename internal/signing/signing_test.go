package signing

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

const testNamespace = "witness-checkpoint"

func testSigner(t *testing.T, seed byte) *SSHSigner {
	t.Helper()
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return NewSSHSigner(signer)
}

func testGateway(t *testing.T, signer *SSHSigner, principal string, allowed ...string) *Gateway {
	t.Helper()
	verifier, err := ParseAllowedSigners([]byte(AllowedSignerLine(principal, testNamespace, signer.PublicKey()) + "\n"))
	if err != nil {
		t.Fatalf("allowed signers: %v", err)
	}
	return &Gateway{
		Signer:    signer,
		Verifier:  verifier,
		KeyID:     principal,
		Namespace: testNamespace,
		Allowed:   allowed,
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	gw := testGateway(t, testSigner(t, 1), "checkpoint_ed25519", "checkpoint_ed25519")
	payload := []byte(`{"event_count":3,"merkle_root":"ab"}`)

	art, err := gw.Sign(context.Background(), payload, "checkpoints/latest.json")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if art.KeyID != "checkpoint_ed25519" || art.Algorithm != "ed25519" || art.SignedFile != "checkpoints/latest.json" {
		t.Fatalf("unexpected artifact: %+v", art)
	}
	if err := gw.VerifyErr(context.Background(), payload, art); err != nil {
		t.Fatalf("expected valid signature: %v", err)
	}
}

func TestSignatureRejectsChangedPayload(t *testing.T) {
	gw := testGateway(t, testSigner(t, 1), "p", "p")
	payload := []byte(`{"event_count":3}`)
	art, err := gw.Sign(context.Background(), payload, "latest.json")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	for i := range payload {
		changed := append([]byte(nil), payload...)
		changed[i] ^= 0x01
		if gw.Verify(context.Background(), changed, art) {
			t.Fatalf("expected failure after flipping byte %d", i)
		}
	}
}

func TestSignatureRejectsOtherNamespace(t *testing.T) {
	signer := testSigner(t, 1)
	gw := testGateway(t, signer, "p", "p")
	payload := []byte("checkpoint")
	art, err := gw.Sign(context.Background(), payload, "latest.json")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	other := *gw
	other.Namespace = "file"
	err = other.VerifyErr(context.Background(), payload, art)
	if !errors.Is(err, ErrNamespaceMismatch) {
		t.Fatalf("expected namespace mismatch, got %v", err)
	}
}

func TestSignatureRejectsPrincipalOutsideAllowedSet(t *testing.T) {
	gw := testGateway(t, testSigner(t, 1), "p", "someone-else")
	payload := []byte("checkpoint")
	art, err := gw.Sign(context.Background(), payload, "latest.json")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := gw.VerifyErr(context.Background(), payload, art); !errors.Is(err, ErrPrincipalNotAllowed) {
		t.Fatalf("expected principal rejection, got %v", err)
	}
}

func TestSignatureRejectsUnlistedKey(t *testing.T) {
	listed := testSigner(t, 1)
	gw := testGateway(t, listed, "p", "p")
	gw.Signer = testSigner(t, 2)

	payload := []byte("checkpoint")
	art, err := gw.Sign(context.Background(), payload, "latest.json")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if gw.Verify(context.Background(), payload, art) {
		t.Fatal("expected signature by an unlisted key to fail")
	}
}

func TestVerifyNeverPassesVacuously(t *testing.T) {
	payload := []byte("checkpoint")
	good := testGateway(t, testSigner(t, 1), "p", "p")
	art, err := good.Sign(context.Background(), payload, "latest.json")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := map[string]struct {
		gw  *Gateway
		art Artifact
	}{
		"nil gateway":      {gw: nil, art: art},
		"no verifier":      {gw: &Gateway{Namespace: testNamespace, Allowed: []string{"p"}}, art: art},
		"no allowed set":   {gw: &Gateway{Verifier: good.Verifier, Namespace: testNamespace}, art: art},
		"bad base64":       {gw: good, art: Artifact{Signature: "!!not base64!!"}},
		"empty signature":  {gw: good, art: Artifact{Signature: ""}},
		"not armored":      {gw: good, art: Artifact{Signature: base64.StdEncoding.EncodeToString([]byte("garbage"))}},
		"missing verifier": {gw: &Gateway{Verifier: &KeygenSigner{Binary: "definitely-not-ssh-keygen"}, Namespace: testNamespace, Allowed: []string{"p"}}, art: art},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if tc.gw.Verify(context.Background(), payload, tc.art) {
				t.Fatal("expected verification failure")
			}
		})
	}
}

type failingSigner struct{}

func (failingSigner) Sign(context.Context, []byte, string, string) ([]byte, error) {
	return nil, errors.New("hsm offline")
}

func TestSignFailureProducesNoArtifact(t *testing.T) {
	gw := &Gateway{Signer: failingSigner{}, KeyID: "p", Namespace: testNamespace}
	art, err := gw.Sign(context.Background(), []byte("x"), "latest.json")
	if err == nil {
		t.Fatal("expected error from failing signer")
	}
	if art != (Artifact{}) {
		t.Fatalf("expected empty artifact, got %+v", art)
	}

	var nilGateway *Gateway
	if _, err := nilGateway.Sign(context.Background(), []byte("x"), "latest.json"); !errors.Is(err, ErrSignerUnavailable) {
		t.Fatalf("expected ErrSignerUnavailable, got %v", err)
	}
}

func TestArtifactEncodeDecode(t *testing.T) {
	art := Artifact{Algorithm: "ed25519", KeyID: "p", SignedFile: "checkpoints/latest.json", Signature: "c2ln"}
	data, err := art.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != art {
		t.Fatalf("expected %+v, got %+v", art, got)
	}
	if _, err := Decode([]byte(`{"algorithm":"ed25519"}`)); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected malformed signature, got %v", err)
	}
}

func TestParseAllowedSignersNamespaces(t *testing.T) {
	signer := testSigner(t, 3)
	authorized := string(bytes.TrimSpace(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	data := "# comment\n\n" +
		"alice,bob namespaces=\"git,witness-checkpoint\" " + authorized + " laptop\n" +
		"carol " + authorized + "\n"

	allowed, err := ParseAllowedSigners([]byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	entries := allowed.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if len(entries[0].Principals) != 2 || entries[0].Principals[1] != "bob" {
		t.Fatalf("unexpected principals: %v", entries[0].Principals)
	}
	if len(entries[0].Namespaces) != 2 || entries[0].Namespaces[1] != "witness-checkpoint" {
		t.Fatalf("unexpected namespaces: %v", entries[0].Namespaces)
	}
	if len(entries[1].Namespaces) != 0 {
		t.Fatalf("expected no namespace restriction, got %v", entries[1].Namespaces)
	}

	if _, err := ParseAllowedSigners([]byte("lonely-principal\n")); err == nil {
		t.Fatal("expected error for line without key")
	}
}

func TestAllowedSignerNamespaceRestriction(t *testing.T) {
	signer := testSigner(t, 4)
	verifier, err := ParseAllowedSigners([]byte(AllowedSignerLine("p", "git", signer.PublicKey())))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	gw := &Gateway{Signer: signer, Verifier: verifier, KeyID: "p", Namespace: testNamespace, Allowed: []string{"p"}}
	art, err := gw.Sign(context.Background(), []byte("x"), "latest.json")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if gw.Verify(context.Background(), []byte("x"), art) {
		t.Fatal("expected key restricted to another namespace to be rejected")
	}
}

func TestLoadSSHSignerFromGeneratedKey(t *testing.T) {
	dir := t.TempDir()
	privPEM, pub, err := GenerateEd25519("test")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	keyPath := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyPath, privPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	signer, err := LoadSSHSigner(keyPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(signer.PublicKey().Marshal(), pub.Marshal()) {
		t.Fatal("loaded key does not match generated public key")
	}

	allowedPath := filepath.Join(dir, "allowed_signers")
	if err := os.WriteFile(allowedPath, []byte(AllowedSignerLine("p", testNamespace, pub)+"\n"), 0o644); err != nil {
		t.Fatalf("write allowed signers: %v", err)
	}
	verifier, err := LoadAllowedSigners(allowedPath)
	if err != nil {
		t.Fatalf("load allowed signers: %v", err)
	}
	gw := &Gateway{Signer: signer, Verifier: verifier, KeyID: "p", Namespace: testNamespace, Allowed: []string{"p"}}
	art, err := gw.Sign(context.Background(), []byte("payload"), "latest.json")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !gw.Verify(context.Background(), []byte("payload"), art) {
		t.Fatal("expected generated key to verify")
	}

	if _, err := LoadSSHSigner(filepath.Join(dir, "missing")); !errors.Is(err, ErrSignerUnavailable) {
		t.Fatalf("expected ErrSignerUnavailable, got %v", err)
	}
}

func TestNewGatewayFromWrittenKeyPair(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "keys", "checkpoint")
	allowedPath := filepath.Join(dir, "keys", "allowed_signers")
	line, err := WriteKeyPair(keyPath, allowedPath, "checkpoint", testNamespace)
	if err != nil {
		t.Fatalf("write key pair: %v", err)
	}
	if !strings.HasPrefix(line, "checkpoint namespaces=") {
		t.Fatalf("unexpected allowed signers line %q", line)
	}
	if _, err := WriteKeyPair(keyPath, allowedPath, "checkpoint", testNamespace); err == nil {
		t.Fatal("expected existing key to be kept")
	}

	gw := NewGateway(Options{
		Backend: BackendNative, KeyPath: keyPath, AllowedSignersPath: allowedPath,
		KeyID: "checkpoint", Namespace: testNamespace, Allowed: []string{"checkpoint"},
	})
	art, err := gw.Sign(context.Background(), []byte("payload"), "latest.json")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !gw.Verify(context.Background(), []byte("payload"), art) {
		t.Fatal("expected signature to verify")
	}
}

func TestNewGatewayWithoutKeyIsUnavailable(t *testing.T) {
	dir := t.TempDir()
	gw := NewGateway(Options{
		Backend: BackendNative, KeyPath: filepath.Join(dir, "nope"),
		AllowedSignersPath: filepath.Join(dir, "nope.allowed"),
		KeyID: "checkpoint", Namespace: testNamespace, Allowed: []string{"checkpoint"},
	})
	if _, err := gw.Sign(context.Background(), []byte("payload"), "latest.json"); !errors.Is(err, ErrSignerUnavailable) {
		t.Fatalf("expected ErrSignerUnavailable, got %v", err)
	}

	signer := testSigner(t, 3)
	art, err := testGateway(t, signer, "checkpoint", "checkpoint").Sign(context.Background(), []byte("payload"), "latest.json")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if gw.Verify(context.Background(), []byte("payload"), art) {
		t.Fatal("expected verification without allowed signers to fail")
	}
}
