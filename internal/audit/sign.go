package audit

import (
	"context"
	"fmt"

	"witness_service/internal/signing"
)

var _ Reader = (*Store)(nil)

// SignCheckpoint signs the canonical bytes of the stored checkpoint name and
// writes the detached envelope next to it. A stored signature that is still
// valid for the current checkpoint bytes is kept and reported as
// ErrSignatureExists unless force is set; a superseded one is replaced. It
// holds the chain lock, so signers in other processes and chain passes wait
// for it.
func (s *Store) SignCheckpoint(ctx context.Context, gw *signing.Gateway, name string, force bool) (signing.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return signing.Artifact{}, err
	}
	defer unlock()

	_, raw, err := s.ReadCheckpoint(name)
	if err != nil {
		return signing.Artifact{}, err
	}
	canonical, err := CanonicalCheckpoint(raw)
	if err != nil {
		return signing.Artifact{}, err
	}
	if existing, err := s.ReadSignature(name); err == nil && !force {
		if prev, err := signing.Decode(existing); err == nil && gw.VerifyErr(ctx, canonical, prev) == nil {
			return prev, fmt.Errorf("%w: %s", ErrSignatureExists, name)
		}
		s.logger.Printf("audit: replacing superseded signature for checkpoint %s", name)
	}

	art, err := gw.Sign(ctx, canonical, "checkpoints/"+name+".json")
	if err != nil {
		return signing.Artifact{}, err
	}
	envelope, err := art.Encode()
	if err != nil {
		return signing.Artifact{}, err
	}
	if err := s.WriteSignature(name, envelope, true); err != nil {
		return signing.Artifact{}, err
	}
	s.logger.Printf("audit: signed checkpoint %s with key %s", name, art.KeyID)
	return art, nil
}

// VerifyCheckpointSignature checks the stored signature of checkpoint name.
func (s *Store) VerifyCheckpointSignature(ctx context.Context, gw *signing.Gateway, name string) error {
	_, raw, err := s.ReadCheckpoint(name)
	if err != nil {
		return err
	}
	envelope, err := s.ReadSignature(name)
	if err != nil {
		return err
	}
	art, err := signing.Decode(envelope)
	if err != nil {
		return err
	}
	canonical, err := CanonicalCheckpoint(raw)
	if err != nil {
		return err
	}
	return gw.VerifyErr(ctx, canonical, art)
}
