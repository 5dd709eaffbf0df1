package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"testing/quick"
	"time"
)

func mustDecode(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	obj, err := DecodeObject([]byte(s))
	if err != nil {
		t.Fatalf("decode %s: %v", s, err)
	}
	return obj
}

func testEvents(n int) []Event {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		id := NewID(base.Add(time.Duration(i) * 10 * time.Second))
		events = append(events, Event{ID: id, Fields: map[string]interface{}{
			"id":         id,
			"status":     "ACTIVE",
			"evaluation": []interface{}{"technically_correct"},
			"seq":        json.Number(fmt.Sprint(i)),
		}})
	}
	return events
}

func sha256Hex(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func TestCanonicalSortsKeysWithoutWhitespace(t *testing.T) {
	obj := mustDecode(t, `{"b": 1, "a": {"z": [3, 2, {"y": true, "x": null}], "m": "é<&>"}, "c": 1.50}`)
	got, err := Canonical(obj)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	want := `{"a":{"m":"é<&>","z":[3,2,{"x":null,"y":true}]},"b":1,"c":1.5}`
	if string(got) != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCanonicalEscapesOnlyWhatJSONRequires(t *testing.T) {
	got, err := Canonical(map[string]interface{}{"s": "q\"b\\n\n\t\x01 ü"})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	want := "{\"s\":\"q\\\"b\\\\n\\n\\t\\u0001 ü\"}"
	if string(got) != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestCanonicalNumbersMatchPythonDumps(t *testing.T) {
	cases := []struct{ in, want string }{
		{"0", "0"},
		{"-0", "0"},
		{"42", "42"},
		{"-7", "-7"},
		{"123456789012345678901234567890", "123456789012345678901234567890"},
		{"1.0", "1.0"},
		{"1.50", "1.5"},
		{"-0.0", "-0.0"},
		{"1e5", "100000.0"},
		{"1E5", "100000.0"},
		{"2.5e-3", "0.0025"},
		{"0.0001", "0.0001"},
		{"0.00001", "1e-05"},
		{"1.5e-7", "1.5e-07"},
		{"1e15", "1000000000000000.0"},
		{"1e16", "1e+16"},
		{"1.25e22", "1.25e+22"},
		{"1e100", "1e+100"},
		{"0.1", "0.1"},
		{"123.456", "123.456"},
	}
	for _, tc := range cases {
		got, err := Canonical(map[string]interface{}{"n": json.Number(tc.in)})
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if want := `{"n":` + tc.want + `}`; string(got) != want {
			t.Fatalf("%s: expected %s, got %s", tc.in, want, got)
		}
	}
	if _, err := Canonical(map[string]interface{}{"n": json.Number("1e400")}); err == nil {
		t.Fatal("expected out of range number to be rejected")
	}
	if _, err := Canonical(map[string]interface{}{"n": json.Number("01")}); err == nil {
		t.Fatal("expected invalid number to be rejected")
	}
}

func TestCanonicalRejectsInvalidUTF8(t *testing.T) {
	if _, err := Canonical(map[string]interface{}{"s": string([]byte{0xff})}); err == nil {
		t.Fatal("expected invalid UTF-8 to be rejected")
	}
}

func TestCanonicalIndependentOfInsertionOrder(t *testing.T) {
	f := func(keys []string, values []int64) bool {
		forward := map[string]interface{}{}
		backward := map[string]interface{}{}
		for i, k := range keys {
			var v int64
			if i < len(values) {
				v = values[i]
			}
			forward[k] = v
		}
		for i := len(keys) - 1; i >= 0; i-- {
			backward[keys[i]] = forward[keys[i]]
		}
		a, errA := Canonical(forward)
		b, errB := Canonical(backward)
		if errA != nil || errB != nil {
			// quick may generate invalid UTF-8 keys; both must agree on failure.
			return (errA != nil) == (errB != nil)
		}
		return bytes.Equal(a, b)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("property check failed: %v", err)
	}

	a := mustDecode(t, `{"status":"ACTIVE","evaluation":["a","b"],"constraints":{"max":1,"min":0}}`)
	b := mustDecode(t, `{"constraints":{"min":0,"max":1},"evaluation":["a","b"],"status":"ACTIVE"}`)
	ca, _ := Canonical(a)
	cb, _ := Canonical(b)
	if !bytes.Equal(ca, cb) {
		t.Fatalf("expected identical canonical bytes, got %s and %s", ca, cb)
	}
}

func TestCanonicalStructMatchesDecodedRecord(t *testing.T) {
	cp := Checkpoint{SchemaVersion: SchemaVersion, Type: CheckpointType, Algorithm: HashAlgorithm, EventCount: 2, HeadEventHash: ZeroHash, MerkleRoot: ZeroHash, GeneratedAt: "20260101T000000Z", Cadence: 2}
	fromStruct, err := Canonical(cp)
	if err != nil {
		t.Fatalf("canonical struct: %v", err)
	}
	raw, err := encodeIndented(cp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fromFile, err := CanonicalCheckpoint(raw)
	if err != nil {
		t.Fatalf("canonical file: %v", err)
	}
	if !bytes.Equal(fromStruct, fromFile) {
		t.Fatalf("expected %s, got %s", fromStruct, fromFile)
	}
}

func TestLinkHashDefinition(t *testing.T) {
	payload := map[string]interface{}{"b": "x", "a": json.Number("1")}
	got, err := LinkHash(ZeroHash, payload)
	if err != nil {
		t.Fatalf("link hash: %v", err)
	}
	want := sha256Hex(make([]byte, 32), []byte(`{"a":1,"b":"x"}`))
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if _, err := LinkHash("not-hex", payload); err == nil {
		t.Fatal("expected error for non-hex prev hash")
	}
}

func TestChainThenVerifyProperty(t *testing.T) {
	f := func(n uint8) bool {
		count := int(n%30 + 1)
		chained, err := Chain(testEvents(count))
		if err != nil {
			return false
		}
		res := VerifyChain(chained)
		return res.Valid && res.Scanned == count && res.EventCount == count && res.HeadHash == chained[count-1].EventHash()
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("property check failed: %v", err)
	}
}

func TestChainLinksAndSortsByID(t *testing.T) {
	events := testEvents(3)
	events[0], events[2] = events[2], events[0]

	chained, err := Chain(events)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if chained[0].ID != "20260101T000000Z" || chained[2].ID != "20260101T000020Z" {
		t.Fatalf("expected identifier order, got %s..%s", chained[0].ID, chained[2].ID)
	}
	if chained[0].PrevHash() != ZeroHash {
		t.Fatalf("expected zero prev hash, got %s", chained[0].PrevHash())
	}
	for i := 1; i < len(chained); i++ {
		if chained[i].PrevHash() != chained[i-1].EventHash() {
			t.Fatalf("event %d not linked to predecessor", i)
		}
	}
	if _, ok := events[0].Fields[FieldEventHash]; ok {
		t.Fatal("chain must not mutate its input")
	}
}

func TestChainIsIdempotent(t *testing.T) {
	first, err := Chain(testEvents(7))
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	second, err := Chain(first)
	if err != nil {
		t.Fatalf("rechain: %v", err)
	}
	for i := range first {
		if first[i].EventHash() != second[i].EventHash() || first[i].PrevHash() != second[i].PrevHash() {
			t.Fatalf("hash drift at %d", i)
		}
	}
}

func TestEditAvalanche(t *testing.T) {
	original, err := Chain(testEvents(6))
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	edited := make([]Event, len(original))
	for i, ev := range original {
		edited[i] = ev.clone()
	}
	edited[3].Fields["status"] = "INACTIVE"

	rechained, err := Chain(edited)
	if err != nil {
		t.Fatalf("rechain: %v", err)
	}
	for i := range original {
		same := original[i].EventHash() == rechained[i].EventHash()
		if i < 3 && !same {
			t.Fatalf("hash before the edit changed at %d", i)
		}
		if i >= 3 && same {
			t.Fatalf("hash at or after the edit unchanged at %d", i)
		}
	}
}

func TestVerifyDetectsTamperAtOrBeforeEdit(t *testing.T) {
	const n = 8
	for i := 0; i < n; i++ {
		chained, err := Chain(testEvents(n))
		if err != nil {
			t.Fatalf("chain: %v", err)
		}
		chained[i].Fields["status"] = "TAMPERED"

		res := VerifyChain(chained)
		if res.Valid {
			t.Fatalf("expected tamper at %d to be detected", i)
		}
		if res.BreakIndex > i {
			t.Fatalf("break reported at %d, after edit at %d", res.BreakIndex, i)
		}
		if res.BreakReason != BreakEventHash {
			t.Fatalf("expected event hash mismatch, got %s", res.BreakReason)
		}
		if res.Scanned != res.BreakIndex+1 {
			t.Fatalf("expected scan to stop at break, scanned %d", res.Scanned)
		}
	}
}

func TestVerifyDetectsRelinkedPrevHash(t *testing.T) {
	chained, err := Chain(testEvents(4))
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	chained[2].Fields[FieldPrevHash] = chained[0].EventHash()

	res := VerifyChain(chained)
	if res.Valid || res.BreakIndex != 2 || res.BreakReason != BreakPrevHash {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestVerifyEmptyChain(t *testing.T) {
	res := VerifyChain(nil)
	if !res.Valid || res.EventCount != 0 || res.Scanned != 0 || res.BreakIndex != -1 {
		t.Fatalf("expected trivially valid empty chain, got %+v", res)
	}
}

func TestVerifyUnchainedTail(t *testing.T) {
	events := testEvents(3)
	chained, err := Chain(events[:2])
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	chained = append(chained, events[2])

	res := VerifyChain(chained)
	if res.Valid || res.BreakIndex != 2 || res.BreakReason != BreakUnchained {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func leaf(s string) string {
	return sha256Hex([]byte(s))
}

func pair(left, right string) string {
	l, _ := hex.DecodeString(left)
	r, _ := hex.DecodeString(right)
	return sha256Hex(l, r)
}

func TestMerkleRootEmpty(t *testing.T) {
	if _, err := MerkleRoot(nil); !errors.Is(err, ErrEmptyTree) {
		t.Fatalf("expected ErrEmptyTree, got %v", err)
	}
}

func TestMerkleRootSingleLeafIsSelfPaired(t *testing.T) {
	h := leaf("a")
	root, err := MerkleRoot([]string{h})
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if root != pair(h, h) {
		t.Fatalf("expected HASH(h||h), got %s", root)
	}
}

func TestMerkleRootByHand(t *testing.T) {
	a, b, c, d := leaf("a"), leaf("b"), leaf("c"), leaf("d")

	three, err := MerkleRoot([]string{a, b, c})
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if want := pair(pair(a, b), pair(c, c)); three != want {
		t.Fatalf("3-leaf: expected %s, got %s", want, three)
	}

	four, err := MerkleRoot([]string{a, b, c, d})
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if want := pair(pair(a, b), pair(c, d)); four != want {
		t.Fatalf("4-leaf: expected %s, got %s", want, four)
	}

	swapped, err := MerkleRoot([]string{b, a, c, d})
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if swapped == four {
		t.Fatal("expected reordering leaves to change the root")
	}

	if _, err := MerkleRoot([]string{a, "zz"}); err == nil {
		t.Fatal("expected error for malformed leaf")
	}
}

func TestBuildCheckpointsCadence(t *testing.T) {
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	for _, tc := range []struct{ n, cadence int }{{0, 3}, {1, 3}, {3, 3}, {10, 3}, {12, 4}, {5, 10}} {
		chained, err := Chain(testEvents(tc.n))
		if err != nil {
			t.Fatalf("chain: %v", err)
		}
		hashes := make([]string, len(chained))
		for i, ev := range chained {
			hashes[i] = ev.EventHash()
		}
		windows, latest, err := BuildCheckpoints(hashes, tc.cadence, now)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if len(windows) != tc.n/tc.cadence {
			t.Fatalf("n=%d c=%d: expected %d windows, got %d", tc.n, tc.cadence, tc.n/tc.cadence, len(windows))
		}
		for i, cp := range windows {
			size := (i + 1) * tc.cadence
			if cp.EventCount != size || cp.HeadEventHash != hashes[size-1] || cp.Cadence != tc.cadence {
				t.Fatalf("window %d malformed: %+v", i, cp)
			}
			if mismatch, err := CheckCheckpoint(cp, hashes); err != nil || mismatch != "" {
				t.Fatalf("window %d does not check: %q %v", i, mismatch, err)
			}
		}
		if tc.n == 0 {
			if latest != nil {
				t.Fatal("expected no latest checkpoint for an empty chain")
			}
			continue
		}
		if latest == nil || latest.EventCount != tc.n || latest.Type != LatestCheckpointType || latest.GeneratedAt != "20260101T010000Z" {
			t.Fatalf("unexpected latest checkpoint: %+v", latest)
		}
	}
}

func TestCheckCheckpointMismatches(t *testing.T) {
	chained, err := Chain(testEvents(4))
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	hashes := []string{}
	for _, ev := range chained {
		hashes = append(hashes, ev.EventHash())
	}
	cp, err := NewCheckpoint(hashes, 4, time.Now())
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	short := cp
	if got, _ := CheckCheckpoint(short, hashes[:3]); got != MismatchChainShort {
		t.Fatalf("expected %s, got %q", MismatchChainShort, got)
	}
	badRoot := cp
	badRoot.MerkleRoot = ZeroHash
	if got, _ := CheckCheckpoint(badRoot, hashes); got != MismatchRoot {
		t.Fatalf("expected %s, got %q", MismatchRoot, got)
	}
	badHead := cp
	badHead.HeadEventHash = hashes[0]
	if got, _ := CheckCheckpoint(badHead, hashes); got != MismatchHead {
		t.Fatalf("expected %s, got %q", MismatchHead, got)
	}
	zero := cp
	zero.EventCount = 0
	if got, _ := CheckCheckpoint(zero, hashes); got != MismatchCount {
		t.Fatalf("expected %s, got %q", MismatchCount, got)
	}
}

func TestEventEvaluationMembership(t *testing.T) {
	ev := Event{Fields: mustDecode(t, `{"status":"ACTIVE","evaluation":["situationally_correct","technically_correct"]}`)}
	if !ev.HasEvaluation("technically_correct") || !ev.HasEvaluation("situationally_correct") {
		t.Fatal("expected both markers regardless of order")
	}
	if ev.HasEvaluation("evaluation_refused") {
		t.Fatal("unexpected marker")
	}
	if _, ok := (Event{Fields: map[string]interface{}{}}).Evaluation(); ok {
		t.Fatal("expected missing evaluation to be reported")
	}
}
