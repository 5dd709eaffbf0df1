package audit

import (
	"encoding/hex"
	"fmt"
)

// LinkHash computes HASH(prev_bytes || canonical(payload)) where prev_bytes
// is the raw digest behind the hex prev.
func LinkHash(prev string, payload map[string]interface{}) (string, error) {
	prevBytes, err := decodeDigest(prev)
	if err != nil {
		return "", fmt.Errorf("prev hash %q: %w", prev, err)
	}
	canonical, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	return hashBytes(prevBytes, canonical), nil
}

// Chain returns copies of events, in identifier order, with prev_hash and
// event_hash set. Existing chain fields are ignored, so chaining an already
// chained, unmodified sequence reproduces the same hashes.
func Chain(events []Event) ([]Event, error) {
	ordered := make([]Event, len(events))
	for i, ev := range events {
		ordered[i] = ev.clone()
	}
	SortEvents(ordered)

	prev := ZeroHash
	for i := range ordered {
		digest, err := LinkHash(prev, ordered[i].Payload())
		if err != nil {
			return nil, fmt.Errorf("chain event %s: %w", ordered[i].ID, err)
		}
		ordered[i].Fields[FieldPrevHash] = prev
		ordered[i].Fields[FieldEventHash] = digest
		prev = digest
	}
	return ordered, nil
}

// Hashes re-derives the event hash of every event from payloads alone,
// ignoring whatever chain fields are stored.
func Hashes(events []Event) ([]string, error) {
	chained, err := Chain(events)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(chained))
	for i, ev := range chained {
		out[i] = ev.EventHash()
	}
	return out, nil
}

// VerifyChain re-derives the chain over the stored events without mutating
// them and stops at the first stored field that disagrees. Events must
// already be in identifier order.
func VerifyChain(events []Event) ChainResult {
	res := ChainResult{Valid: true, EventCount: len(events), BreakIndex: -1}
	prev := ZeroHash
	for i, ev := range events {
		res.Scanned = i + 1
		if !ev.Chained() {
			return res.broken(i, ev.ID, BreakUnchained)
		}
		if ev.PrevHash() != prev {
			return res.broken(i, ev.ID, BreakPrevHash)
		}
		digest, err := LinkHash(prev, ev.Payload())
		if err != nil {
			return res.broken(i, ev.ID, BreakPayload)
		}
		if ev.EventHash() != digest {
			return res.broken(i, ev.ID, BreakEventHash)
		}
		prev = digest
	}
	if len(events) > 0 {
		res.HeadHash = prev
	}
	return res
}

func (r ChainResult) broken(index int, id, reason string) ChainResult {
	r.Valid = false
	r.BreakIndex = index
	r.BreakID = id
	r.BreakReason = reason
	return r
}

// IsHexDigest reports whether s is a 64-character hex digest.
func IsHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
