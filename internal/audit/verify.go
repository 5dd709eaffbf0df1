package audit

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"witness_service/internal/signing"
)

// Verifier re-derives the chain, the latest checkpoint and its signature
// from the raw files and reports on each independently.
type Verifier struct {
	Log     Reader
	Gateway *signing.Gateway
	// FreshnessThreshold is the maximum checkpoint age considered fresh.
	FreshnessThreshold time.Duration
	Now                func() time.Time
	Logger             *log.Logger
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now().UTC()
	}
	return time.Now().UTC()
}

func (v *Verifier) logger() *log.Logger {
	if v.Logger == nil {
		return log.Default()
	}
	return v.Logger
}

// Verify runs every check. A failure in one check never prevents the
// others; problems are recorded in the report rather than returned.
func (v *Verifier) Verify(ctx context.Context) Report {
	ctx, span := tracer.Start(ctx, "audit.Verify")
	defer span.End()

	report := Report{
		SchemaVersion:     SchemaVersion,
		VerifiedAt:        v.now().Format(time.RFC3339),
		VerificationScope: "full_history",
		Errors:            []string{},
	}

	hashes, chainOK := v.verifyChain(&report)
	v.verifyCheckpoint(ctx, &report, hashes, chainOK)

	span.SetAttributes(
		attribute.Bool("audit.hash_chain_valid", report.Chain.HashChainValid),
		attribute.Bool("audit.signature_valid", report.Checkpoint.SignatureValid),
		attribute.Bool("audit.checkpoint_consistent", report.Checkpoint.Consistent),
		attribute.Int("audit.event_count", report.Chain.EventCount),
	)
	return report
}

func (r *Report) fail(logger *log.Logger, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logger.Printf("audit: verify: %s", msg)
	r.Errors = append(r.Errors, msg)
}

// verifyChain fills the chain section and returns freshly derived hashes for
// the checkpoint check, or ok=false when events could not be loaded.
func (v *Verifier) verifyChain(report *Report) ([]string, bool) {
	events, err := v.Log.Events()
	if err != nil {
		report.fail(v.logger(), "load events: %v", err)
		report.Chain.BreakReason = strPtr("unreadable_event")
		return nil, false
	}

	res := VerifyChain(events)
	report.Chain.EventCount = res.EventCount
	report.Chain.EventsScanned = res.Scanned
	report.Chain.HashChainValid = res.Valid
	if !res.Valid {
		report.Chain.BreakIndex = intPtr(res.BreakIndex)
		report.Chain.BreakEventID = strPtr(res.BreakID)
		report.Chain.BreakReason = strPtr(res.BreakReason)
		report.fail(v.logger(), "chain broken at position %d (%s): %s", res.BreakIndex, res.BreakID, res.BreakReason)
	}

	hashes, err := Hashes(events)
	if err != nil {
		report.fail(v.logger(), "derive hashes: %v", err)
		return nil, false
	}
	if len(hashes) > 0 {
		report.Chain.HeadEventHash = strPtr(hashes[len(hashes)-1])
	}
	return hashes, true
}

func (v *Verifier) verifyCheckpoint(ctx context.Context, report *Report, hashes []string, hashesOK bool) {
	check := &report.Checkpoint
	if v.Gateway != nil && v.Gateway.KeyID != "" {
		check.SigningKeyID = strPtr(v.Gateway.KeyID)
	}

	cp, raw, err := v.Log.LatestCheckpoint()
	if err != nil {
		check.Mismatch = strPtr(MismatchMissing)
		report.fail(v.logger(), "load latest checkpoint: %v", err)
		return
	}
	check.MerkleRoot = strPtr(cp.MerkleRoot)
	check.EventCount = intPtr(cp.EventCount)
	check.HeadEventHash = strPtr(cp.HeadEventHash)
	check.GeneratedAt = strPtr(cp.GeneratedAt)

	// Consistency against the re-derived chain.
	if hashesOK {
		mismatch, err := CheckCheckpoint(cp, hashes)
		switch {
		case err != nil:
			check.Mismatch = strPtr(MismatchRoot)
			report.fail(v.logger(), "checkpoint root: %v", err)
		case mismatch != "":
			check.Mismatch = strPtr(mismatch)
			report.fail(v.logger(), "checkpoint mismatch: %s", mismatch)
		case cp.EventCount != len(hashes):
			check.Mismatch = strPtr(MismatchCount)
			report.fail(v.logger(), "checkpoint covers %d of %d events", cp.EventCount, len(hashes))
		default:
			check.Consistent = true
		}
	}

	// Signature over the stored checkpoint bytes.
	check.SignatureValid = v.verifySignature(ctx, report, raw)

	// Freshness.
	generated, err := cp.GeneratedTime()
	if err != nil {
		report.fail(v.logger(), "checkpoint generated_at %q: %v", cp.GeneratedAt, err)
		return
	}
	age := v.now().Sub(generated)
	seconds := age.Seconds()
	check.AgeSeconds = &seconds
	check.ConsideredFresh = age <= v.FreshnessThreshold
	if !check.ConsideredFresh {
		v.logger().Printf("audit: verify: checkpoint is stale (age %s, threshold %s)", age.Round(time.Second), v.FreshnessThreshold)
	}
}

func (v *Verifier) verifySignature(ctx context.Context, report *Report, raw []byte) bool {
	envelope, err := v.Log.ReadSignature("latest")
	if err != nil {
		report.fail(v.logger(), "load signature: %v", err)
		return false
	}
	art, err := signing.Decode(envelope)
	if err != nil {
		report.fail(v.logger(), "decode signature: %v", err)
		return false
	}
	canonical, err := CanonicalCheckpoint(raw)
	if err != nil {
		report.fail(v.logger(), "canonical checkpoint: %v", err)
		return false
	}
	if err := v.Gateway.VerifyErr(ctx, canonical, art); err != nil {
		report.fail(v.logger(), "signature: %v", err)
		return false
	}
	return true
}
