// Package signing produces and checks detached signatures over checkpoint
// bytes. The asymmetric operation itself is always delegated to a Signer or
// Verifier capability.
package signing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("witness_service/internal/signing")

var (
	ErrSignatureInvalid    = errors.New("signing: signature invalid")
	ErrSignerUnavailable   = errors.New("signing: signer unavailable")
	ErrMalformedSignature  = errors.New("signing: malformed signature")
	ErrPrincipalNotAllowed = errors.New("signing: principal not allowed")
	ErrNamespaceMismatch   = errors.New("signing: namespace mismatch")
)

// Signer signs payload for the identity keyID within namespace and returns
// the raw signature bytes.
type Signer interface {
	Sign(ctx context.Context, payload []byte, keyID, namespace string) ([]byte, error)
}

// Verifier checks signature over payload for one of the allowed principals
// within namespace. A nil error means valid.
type Verifier interface {
	Verify(ctx context.Context, payload, signature []byte, allowed []string, namespace string) error
}

// Artifact is the detached signature envelope stored next to a checkpoint.
type Artifact struct {
	Algorithm  string `json:"algorithm"`
	KeyID      string `json:"key_id"`
	SignedFile string `json:"signed_file"`
	Signature  string `json:"signature"`
}

// Decode parses a stored envelope.
func Decode(data []byte) (Artifact, error) {
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if strings.TrimSpace(art.Signature) == "" {
		return Artifact{}, fmt.Errorf("%w: empty signature", ErrMalformedSignature)
	}
	return art, nil
}

// Encode renders the envelope as indented JSON.
func (a Artifact) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Gateway binds a signer and verifier to a fixed key id, namespace and set
// of allowed principals.
type Gateway struct {
	Signer    Signer
	Verifier  Verifier
	KeyID     string
	Namespace string
	Algorithm string
	Allowed   []string
	Logger    *log.Logger
}

func (g *Gateway) logger() *log.Logger {
	if g == nil || g.Logger == nil {
		return log.Default()
	}
	return g.Logger
}

// Sign signs the canonical bytes of a checkpoint. A failing signer is an
// error; no artifact is fabricated.
func (g *Gateway) Sign(ctx context.Context, canonical []byte, signedFile string) (Artifact, error) {
	if g == nil || g.Signer == nil {
		return Artifact{}, ErrSignerUnavailable
	}
	ctx, span := tracer.Start(ctx, "signing.Sign")
	defer span.End()
	span.SetAttributes(attribute.String("signing.key_id", g.KeyID), attribute.String("signing.namespace", g.Namespace))

	if len(canonical) == 0 {
		return Artifact{}, errors.New("signing: empty payload")
	}
	raw, err := g.Signer.Sign(ctx, canonical, g.KeyID, g.Namespace)
	if err != nil {
		return Artifact{}, fmt.Errorf("sign %s: %w", signedFile, err)
	}
	if len(raw) == 0 {
		return Artifact{}, fmt.Errorf("sign %s: %w: empty signature", signedFile, ErrSignerUnavailable)
	}
	algorithm := g.Algorithm
	if algorithm == "" {
		algorithm = "ed25519"
	}
	return Artifact{
		Algorithm:  algorithm,
		KeyID:      g.KeyID,
		SignedFile: signedFile,
		Signature:  base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// VerifyErr checks art against canonical and says why it failed.
func (g *Gateway) VerifyErr(ctx context.Context, canonical []byte, art Artifact) error {
	ctx, span := tracer.Start(ctx, "signing.Verify")
	defer span.End()

	if g == nil || g.Verifier == nil {
		return ErrSignerUnavailable
	}
	if len(g.Allowed) == 0 {
		return fmt.Errorf("%w: no allowed principals configured", ErrPrincipalNotAllowed)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(art.Signature))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty signature", ErrMalformedSignature)
	}
	if err := g.Verifier.Verify(ctx, canonical, raw, g.Allowed, g.Namespace); err != nil {
		span.SetAttributes(attribute.Bool("signing.valid", false))
		return err
	}
	span.SetAttributes(attribute.Bool("signing.valid", true))
	return nil
}

// Verify reports whether art is a valid signature over canonical. Every
// failure, including an unavailable verifier, is false.
func (g *Gateway) Verify(ctx context.Context, canonical []byte, art Artifact) bool {
	if err := g.VerifyErr(ctx, canonical, art); err != nil {
		g.logger().Printf("signing: verify %s: %v", art.SignedFile, err)
		return false
	}
	return true
}
