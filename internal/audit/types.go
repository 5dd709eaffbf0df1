package audit

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	// SchemaVersion is stamped on checkpoints and reports.
	SchemaVersion = "1.0.0"

	// IDLayout is the time layout of event identifiers, e.g. 20260101T000000Z.
	IDLayout = "20060102T150405Z"

	FieldPrevHash  = "prev_hash"
	FieldEventHash = "event_hash"

	CheckpointType       = "merkle_checkpoint"
	LatestCheckpointType = "merkle_checkpoint_latest"
)

var (
	ErrEmptyTree          = errors.New("audit: merkle tree has no leaves")
	ErrInvalidEventID     = errors.New("audit: invalid event id")
	ErrDuplicateEventID   = errors.New("audit: event id already exists")
	ErrChainLocked        = errors.New("audit: chain pass already in progress")
	ErrCheckpointConflict = errors.New("audit: stored checkpoint disagrees with chain")
	ErrChainBroken        = errors.New("audit: stored chain fields do not verify")
	ErrMissingCheckpoint  = errors.New("audit: checkpoint not found")
	ErrMissingSignature   = errors.New("audit: signature not found")
	ErrSignatureExists    = errors.New("audit: signature already exists")

	errDigestSize = errors.New("audit: digest is not 32 bytes")
)

var idPattern = regexp.MustCompile(`^\d{8}T\d{6}Z$`)

// ValidID reports whether id has the fixed-width UTC timestamp form.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NewID formats t as an event identifier.
func NewID(t time.Time) string {
	return t.UTC().Format(IDLayout)
}

// Event is one record of the log. Fields holds the whole stored JSON object,
// payload and chain fields alike; ID comes from the file name.
type Event struct {
	ID     string
	Fields map[string]interface{}
}

// PrevHash returns the stored prev_hash, or "" when absent.
func (e Event) PrevHash() string {
	s, _ := e.Fields[FieldPrevHash].(string)
	return s
}

// EventHash returns the stored event_hash, or "" when absent.
func (e Event) EventHash() string {
	s, _ := e.Fields[FieldEventHash].(string)
	return s
}

// Chained reports whether the event carries either chain field.
func (e Event) Chained() bool {
	_, prev := e.Fields[FieldPrevHash]
	_, hash := e.Fields[FieldEventHash]
	return prev || hash
}

// Payload returns a shallow copy of the fields without chain fields.
func (e Event) Payload() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Fields))
	for k, v := range e.Fields {
		if k == FieldPrevHash || k == FieldEventHash {
			continue
		}
		out[k] = v
	}
	return out
}

// Status returns the event's status field.
func (e Event) Status() string {
	s, _ := e.Fields["status"].(string)
	return s
}

// Evaluation returns the evaluation markers and whether the field is a list.
func (e Event) Evaluation() ([]string, bool) {
	raw, ok := e.Fields["evaluation"].([]interface{})
	if !ok {
		if list, ok := e.Fields["evaluation"].([]string); ok {
			return list, true
		}
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

// HasEvaluation reports membership of marker in the evaluation list,
// ignoring order.
func (e Event) HasEvaluation(marker string) bool {
	list, _ := e.Evaluation()
	for _, m := range list {
		if m == marker {
			return true
		}
	}
	return false
}

func (e Event) clone() Event {
	fields := make(map[string]interface{}, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	return Event{ID: e.ID, Fields: fields}
}

// SortEvents orders events by identifier.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].ID < events[j].ID })
}

// Checkpoint is a Merkle summary of the first EventCount events.
type Checkpoint struct {
	SchemaVersion string `json:"schema_version"`
	Type          string `json:"type"`
	Algorithm     string `json:"algorithm"`
	EventCount    int    `json:"event_count"`
	HeadEventHash string `json:"head_event_hash"`
	MerkleRoot    string `json:"merkle_root"`
	GeneratedAt   string `json:"generated_at"`
	Cadence       int    `json:"cadence,omitempty"`
}

// Name is the file stem a windowed checkpoint is stored under.
func (c Checkpoint) Name() string {
	if c.Type == LatestCheckpointType {
		return "latest"
	}
	return checkpointName(c.EventCount)
}

// GeneratedTime parses GeneratedAt, accepting the identifier layout and RFC 3339.
func (c Checkpoint) GeneratedTime() (time.Time, error) {
	return parseTimestamp(c.GeneratedAt)
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(IDLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ChainResult is the outcome of re-deriving the chain over stored events.
type ChainResult struct {
	Valid       bool
	EventCount  int
	Scanned     int
	BreakIndex  int
	BreakID     string
	BreakReason string
	HeadHash    string
}

const (
	BreakPrevHash  = "prev_hash_mismatch"
	BreakEventHash = "event_hash_mismatch"
	BreakUnchained = "unchained"
	BreakPayload   = "payload_not_canonical"
)

// Report is the single result of a full verification. Pointer fields are
// null when the corresponding input was missing.
type Report struct {
	SchemaVersion     string          `json:"schema_version"`
	VerifiedAt        string          `json:"verified_at"`
	VerificationScope string          `json:"verification_scope"`
	Chain             ChainReport     `json:"chain"`
	Checkpoint        CheckpointCheck `json:"checkpoint"`
	Errors            []string        `json:"errors"`
}

// ChainReport is the chain section of a Report.
type ChainReport struct {
	EventCount     int     `json:"event_count"`
	HeadEventHash  *string `json:"head_event_hash"`
	HashChainValid bool    `json:"hash_chain_valid"`
	EventsScanned  int     `json:"events_scanned"`
	BreakIndex     *int    `json:"break_index"`
	BreakEventID   *string `json:"break_event_id"`
	BreakReason    *string `json:"break_reason"`
}

// CheckpointCheck is the checkpoint section of a Report.
type CheckpointCheck struct {
	MerkleRoot      *string  `json:"merkle_root"`
	EventCount      *int     `json:"event_count"`
	HeadEventHash   *string  `json:"head_event_hash"`
	GeneratedAt     *string  `json:"generated_at"`
	Consistent      bool     `json:"consistent"`
	Mismatch        *string  `json:"mismatch"`
	SignatureValid  bool     `json:"signature_valid"`
	SigningKeyID    *string  `json:"signing_key_id"`
	AgeSeconds      *float64 `json:"age_seconds"`
	ConsideredFresh bool     `json:"considered_fresh"`
}

const (
	MismatchMissing    = "missing"
	MismatchChainShort = "chain_shorter_than_checkpoint"
	MismatchCount      = "event_count"
	MismatchRoot       = "merkle_root"
	MismatchHead       = "head_event_hash"
)

// OK reports whether the chain and signature are both valid. Staleness and
// checkpoint mismatches do not affect it.
func (r Report) OK() bool {
	return r.Chain.HashChainValid && r.Checkpoint.SignatureValid
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }
