package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("witness_service/internal/audit")

// Names in the events directory that are never chained.
var ignoredEventFiles = map[string]struct{}{
	"latest.json":         {},
	"raid0.json":          {},
	"time_reference.json": {},
	"time_notice.json":    {},
}

// Layout locates every file the log owns below a single root directory.
type Layout struct {
	Root string
}

func (l Layout) EventsDir() string      { return filepath.Join(l.Root, "decisions") }
func (l Layout) CheckpointsDir() string { return filepath.Join(l.Root, "checkpoints") }
func (l Layout) WitnessDir() string     { return filepath.Join(l.Root, "witness") }
func (l Layout) KeysDir() string        { return filepath.Join(l.Root, "witness", "keys") }

func (l Layout) EventPath(id string) string {
	return filepath.Join(l.EventsDir(), id+".json")
}

func (l Layout) PointerPath() string { return filepath.Join(l.EventsDir(), "latest.json") }
func (l Layout) Raid0Path() string   { return filepath.Join(l.EventsDir(), "raid0.json") }

func (l Layout) TimeReferencePath() string {
	return filepath.Join(l.EventsDir(), "time_reference.json")
}

func (l Layout) CheckpointPath(name string) string {
	return filepath.Join(l.CheckpointsDir(), name+".json")
}

func (l Layout) SignaturePath(name string) string {
	return filepath.Join(l.CheckpointsDir(), name+".sig")
}

func (l Layout) lockPath() string { return filepath.Join(l.CheckpointsDir(), ".chain.lock") }

func checkpointName(count int) string {
	return fmt.Sprintf("events_%06d", count)
}

// Reader is the read-only view of the log used by verification. It may be
// used concurrently with appends and chain passes.
type Reader interface {
	Events() ([]Event, error)
	LatestCheckpoint() (Checkpoint, []byte, error)
	ReadSignature(name string) ([]byte, error)
}

// Store is the file-backed event log. Appends of distinct identifiers may
// happen at any time; chain passes are single-writer.
type Store struct {
	mu       sync.Mutex
	layout   Layout
	logger   *log.Logger
	lockWait time.Duration
}

// NewStore creates the directory layout below dataDir.
func NewStore(dataDir string, logger *log.Logger) (*Store, error) {
	if dataDir == "" {
		dataDir = "./data"
	}
	if logger == nil {
		logger = log.Default()
	}
	layout := Layout{Root: dataDir}
	for _, dir := range []string{layout.EventsDir(), layout.CheckpointsDir(), layout.KeysDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Store{layout: layout, logger: logger, lockWait: defaultLockWait}, nil
}

// Layout returns the store's file layout.
func (s *Store) Layout() Layout {
	return s.layout
}

// AppendEvent writes a new unchained event identified by now. Chain fields in
// fields are dropped. An existing identifier is ErrDuplicateEventID.
func (s *Store) AppendEvent(fields map[string]interface{}, now time.Time) (Event, error) {
	id := NewID(now)
	ev := Event{ID: id, Fields: make(map[string]interface{}, len(fields)+2)}
	for k, v := range fields {
		if k == FieldPrevHash || k == FieldEventHash {
			continue
		}
		ev.Fields[k] = v
	}
	if _, ok := ev.Fields["id"]; !ok {
		ev.Fields["id"] = id
	}
	if _, ok := ev.Fields["timestamp"]; !ok {
		ev.Fields["timestamp"] = id
	}

	data, err := encodeIndented(ev.Fields)
	if err != nil {
		return Event{}, err
	}
	file, err := os.OpenFile(s.layout.EventPath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Event{}, fmt.Errorf("%w: %s", ErrDuplicateEventID, id)
		}
		return Event{}, err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return Event{}, err
	}
	if err := file.Close(); err != nil {
		return Event{}, err
	}

	if err := s.writePointer(ev); err != nil {
		return ev, fmt.Errorf("write latest pointer: %w", err)
	}
	return ev, nil
}

func (s *Store) writePointer(ev Event) error {
	pointer := map[string]interface{}{
		"last_evaluation": ev.ID,
	}
	for _, k := range []string{"status", "evaluation", "human_override", "decision_source"} {
		if v, ok := ev.Fields[k]; ok {
			pointer[k] = v
		}
	}
	data, err := encodeIndented(pointer)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.layout.PointerPath(), data)
}

// Events returns every event in identifier order. Any file that cannot be
// read or parsed fails the whole snapshot.
func (s *Store) Events() ([]Event, error) {
	entries, err := os.ReadDir(s.layout.EventsDir())
	if err != nil {
		return nil, fmt.Errorf("read events dir: %w", err)
	}
	var events []Event
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if _, skip := ignoredEventFiles[name]; skip {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !ValidID(id) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.layout.EventsDir(), name))
		if err != nil {
			return nil, fmt.Errorf("read event %s: %w", name, err)
		}
		fields, err := DecodeObject(data)
		if err != nil {
			s.logger.Printf("audit: malformed event file %s: %v", name, err)
			return nil, fmt.Errorf("decode event %s: %w", name, err)
		}
		events = append(events, Event{ID: id, Fields: fields})
	}
	SortEvents(events)
	return events, nil
}

// PassResult summarizes one chain pass.
type PassResult struct {
	Events        int         `json:"events"`
	Rewritten     int         `json:"rewritten"`
	HeadEventHash string      `json:"head_event_hash,omitempty"`
	Windows       []string    `json:"windows_written"`
	Latest        *Checkpoint `json:"latest,omitempty"`
}

// ChainPass links the unchained tail of the log, writes windowed checkpoints
// that do not exist yet and overwrites the latest checkpoint. Stored chain
// fields are never rewritten: a chained prefix that does not verify is
// ErrChainBroken and an existing window that disagrees is
// ErrCheckpointConflict, both reported before any file is written. Only one
// pass runs at a time, across processes.
func (s *Store) ChainPass(ctx context.Context, cadence int, now time.Time) (PassResult, error) {
	ctx, span := tracer.Start(ctx, "audit.ChainPass")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return PassResult{}, err
	}
	defer unlock()

	stored, err := s.Events()
	if err != nil {
		return PassResult{}, err
	}
	prefix, err := chainedPrefix(stored)
	if err != nil {
		s.logger.Printf("audit: refusing chain pass: %v", err)
		return PassResult{}, err
	}
	chained, err := Chain(stored)
	if err != nil {
		return PassResult{}, err
	}

	res := PassResult{Events: len(chained), Windows: []string{}}
	hashes := make([]string, len(chained))
	for i, ev := range chained {
		hashes[i] = ev.EventHash()
	}
	if len(hashes) > 0 {
		res.HeadEventHash = hashes[len(hashes)-1]
	}

	windows, latest, err := BuildCheckpoints(hashes, cadence, now)
	if err != nil {
		return res, err
	}
	var pending []Checkpoint
	for _, cp := range windows {
		exists, err := s.checkWindow(cp)
		if err != nil {
			s.logger.Printf("audit: refusing chain pass: %v", err)
			return res, err
		}
		if !exists {
			pending = append(pending, cp)
		}
	}

	for _, ev := range chained[prefix:] {
		data, err := encodeIndented(ev.Fields)
		if err != nil {
			return res, err
		}
		if err := writeFileAtomic(s.layout.EventPath(ev.ID), data); err != nil {
			return res, fmt.Errorf("write event %s: %w", ev.ID, err)
		}
		res.Rewritten++
	}
	for _, cp := range pending {
		if err := s.createWindow(cp); err != nil {
			return res, err
		}
		res.Windows = append(res.Windows, cp.Name())
	}
	if latest != nil {
		data, err := encodeIndented(latest)
		if err != nil {
			return res, err
		}
		if err := writeFileAtomic(s.layout.CheckpointPath("latest"), data); err != nil {
			return res, fmt.Errorf("write latest checkpoint: %w", err)
		}
		res.Latest = latest
	}

	span.SetAttributes(
		attribute.Int("audit.events", res.Events),
		attribute.Int("audit.rewritten", res.Rewritten),
		attribute.Int("audit.windows_written", len(res.Windows)),
	)
	s.logger.Printf("audit: chain pass events=%d rewritten=%d windows=%d", res.Events, res.Rewritten, len(res.Windows))
	return res, nil
}

// chainedPrefix returns how many leading events already carry chain fields
// that verify. Everything after them must be unchained.
func chainedPrefix(stored []Event) (int, error) {
	res := VerifyChain(stored)
	if res.Valid {
		return len(stored), nil
	}
	if res.BreakReason != BreakUnchained {
		return 0, fmt.Errorf("%w: %s at index %d (%s)", ErrChainBroken, res.BreakReason, res.BreakIndex, res.BreakID)
	}
	for _, ev := range stored[res.BreakIndex:] {
		if ev.Chained() {
			return 0, fmt.Errorf("%w: chained event %s follows unchained event %s", ErrChainBroken, ev.ID, res.BreakID)
		}
	}
	return res.BreakIndex, nil
}

// checkWindow reports whether a checkpoint for cp's count is stored. An
// existing one must agree on count, root and head.
func (s *Store) checkWindow(cp Checkpoint) (bool, error) {
	data, err := os.ReadFile(s.layout.CheckpointPath(cp.Name()))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var existing Checkpoint
	if err := json.Unmarshal(data, &existing); err != nil {
		return false, fmt.Errorf("decode checkpoint %s: %w", cp.Name(), err)
	}
	if existing.MerkleRoot != cp.MerkleRoot || existing.HeadEventHash != cp.HeadEventHash || existing.EventCount != cp.EventCount {
		return true, fmt.Errorf("%w: %s", ErrCheckpointConflict, cp.Name())
	}
	return true, nil
}

// createWindow writes cp; windows are never overwritten.
func (s *Store) createWindow(cp Checkpoint) error {
	data, err := encodeIndented(cp)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(s.layout.CheckpointPath(cp.Name()), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create checkpoint %s: %w", cp.Name(), err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ReadCheckpoint loads a checkpoint by name and also returns its raw bytes,
// which are what signatures cover.
func (s *Store) ReadCheckpoint(name string) (Checkpoint, []byte, error) {
	data, err := os.ReadFile(s.layout.CheckpointPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Checkpoint{}, nil, fmt.Errorf("%w: %s", ErrMissingCheckpoint, name)
		}
		return Checkpoint{}, nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, nil, fmt.Errorf("decode checkpoint %s: %w", name, err)
	}
	return cp, data, nil
}

// LatestCheckpoint loads the mutable latest checkpoint.
func (s *Store) LatestCheckpoint() (Checkpoint, []byte, error) {
	return s.ReadCheckpoint("latest")
}

// ListCheckpoints returns the names of the windowed checkpoints, in order.
func (s *Store) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(s.layout.CheckpointsDir())
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "events_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	return names, nil
}

// ReadSignature returns the stored signature envelope for a checkpoint.
func (s *Store) ReadSignature(name string) ([]byte, error) {
	data, err := os.ReadFile(s.layout.SignaturePath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingSignature, name)
		}
		return nil, err
	}
	return data, nil
}

// WriteSignature stores a signature envelope. Unless overwrite is set, an
// existing signature for the same checkpoint is left alone and reported.
func (s *Store) WriteSignature(name string, envelope []byte, overwrite bool) error {
	path := s.layout.SignaturePath(name)
	if overwrite {
		return writeFileAtomic(path, envelope)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrSignatureExists, name)
		}
		return err
	}
	if _, err := file.Write(envelope); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// CanonicalCheckpoint returns the canonical bytes of a stored checkpoint
// record, every field included.
func CanonicalCheckpoint(raw []byte) ([]byte, error) {
	obj, err := DecodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return Canonical(obj)
}

// WriteJSON writes v as indented JSON to path, replacing it atomically.
func WriteJSON(path string, v interface{}) error {
	data, err := encodeIndented(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func encodeIndented(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
