package status

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"witness_service/internal/audit"
)

func TestLoadConstraintsDefaultAndFile(t *testing.T) {
	layout := audit.Layout{Root: t.TempDir()}
	c, err := LoadConstraints(layout)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if c.Value["constraint"] != "not_provided" {
		t.Fatalf("unexpected default constraints: %v", c.Value)
	}

	data := []byte(`{"constraint":"max_rate","limit":3}`)
	if err := os.MkdirAll(filepath.Dir(ConstraintsPath(layout)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ConstraintsPath(layout), data, 0o644); err != nil {
		t.Fatal(err)
	}
	c, err = LoadConstraints(layout)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	sum := sha256.Sum256(data)
	if c.Hash != hex.EncodeToString(sum[:]) || c.Value["constraint"] != "max_rate" {
		t.Fatalf("unexpected constraints: %+v", c)
	}
}

func TestDecisionAndTombstoneFields(t *testing.T) {
	c := Constraints{Value: map[string]interface{}{"constraint": "x"}, Hash: "ab"}

	d := DecisionFields(map[string]interface{}{"note": "baseline evaluation", "status": "REVIEW"}, c, "operator")
	if d["status"] != "REVIEW" || d["note"] != "baseline evaluation" || d["constraint_hash"] != "ab" {
		t.Fatalf("unexpected decision: %v", d)
	}
	if got := d["evaluation"].([]interface{}); len(got) != 3 {
		t.Fatalf("expected all evaluation markers, got %v", got)
	}

	ts := TombstoneFields(c, "operator")
	if ts["status"] != "INACTIVE" || len(ts["evaluation"].([]interface{})) != 0 {
		t.Fatalf("unexpected tombstone: %v", ts)
	}
}
