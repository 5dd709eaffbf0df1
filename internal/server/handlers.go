package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"witness_service/internal/audit"
	"witness_service/internal/history"
	"witness_service/internal/policy"
	"witness_service/internal/signing"
	"witness_service/internal/status"
)

const maxBody = 1 << 20

type Handler struct {
	Store   *audit.Store
	Policy  *policy.Engine
	Gateway *signing.Gateway
	// History is optional; without it verification runs are not recorded.
	History *history.Store

	SharedSecret       string
	Cadence            int
	FreshnessThreshold time.Duration
	SignTimeout        time.Duration
	Now                func() time.Time
	Logger             *log.Logger
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func (h *Handler) logger() *log.Logger {
	if h.Logger == nil {
		return log.Default()
	}
	return h.Logger
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true,
	})
}

// IngestEvent appends one decision event. The body is a JSON object; chain
// fields in it are ignored.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload("invalid body"))
		return
	}
	if h.SharedSecret != "" {
		if !verifySignature(body, r.Header.Get("X-Witness-Signature"), h.SharedSecret) {
			writeJSON(w, http.StatusUnauthorized, errorPayload("invalid signature"))
			return
		}
	}

	fields, err := audit.DecodeObject(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload("invalid json"))
		return
	}
	stamped, class, err := h.Policy.Stamp(fields)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorPayload(err.Error()))
		return
	}

	ev, err := h.Store.AppendEvent(stamped, h.now())
	switch {
	case errors.Is(err, audit.ErrDuplicateEventID):
		writeJSON(w, http.StatusConflict, errorPayload(err.Error()))
		return
	case err != nil:
		h.logger().Printf("server: append event: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorPayload("append failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"id":             ev.ID,
		"event":          ev.Fields,
		"classification": class,
	})
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events, err := h.Store.Events()
	if err != nil {
		h.logger().Printf("server: list events: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorPayload("event read failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "items": lastFields(events, limit)})
}

func (h *Handler) Chain(w http.ResponseWriter, r *http.Request) {
	res, err := h.Store.ChainPass(r.Context(), h.Cadence, h.now())
	switch {
	case errors.Is(err, audit.ErrChainLocked), errors.Is(err, audit.ErrCheckpointConflict), errors.Is(err, audit.ErrChainBroken):
		writeJSON(w, http.StatusConflict, errorPayload(err.Error()))
		return
	case err != nil:
		h.logger().Printf("server: chain pass: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorPayload("chain pass failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": res})
}

func (h *Handler) LatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, _, err := h.Store.LatestCheckpoint()
	switch {
	case errors.Is(err, audit.ErrMissingCheckpoint):
		writeJSON(w, http.StatusNotFound, errorPayload("no checkpoint yet"))
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorPayload("checkpoint read failed"))
		return
	}
	payload := map[string]interface{}{
		"ok":              true,
		"checkpoint":      cp,
		"cadence":         h.Cadence,
		"server_time_utc": h.now(),
	}
	if envelope, err := h.Store.ReadSignature(cp.Name()); err == nil {
		if art, err := signing.Decode(envelope); err == nil {
			payload["signature"] = art
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// SignCheckpoint signs the latest checkpoint; ?force=true replaces a still
// valid signature.
func (h *Handler) SignCheckpoint(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	ctx := r.Context()
	if h.SignTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.SignTimeout)
		defer cancel()
	}

	art, err := h.Store.SignCheckpoint(ctx, h.Gateway, "latest", force)
	switch {
	case errors.Is(err, audit.ErrSignatureExists):
		writeJSON(w, http.StatusConflict, map[string]interface{}{"ok": false, "error": err.Error(), "signature": art})
		return
	case errors.Is(err, audit.ErrMissingCheckpoint):
		writeJSON(w, http.StatusNotFound, errorPayload("no checkpoint to sign"))
		return
	case errors.Is(err, audit.ErrChainLocked):
		writeJSON(w, http.StatusConflict, errorPayload(err.Error()))
		return
	case errors.Is(err, signing.ErrSignerUnavailable), errors.Is(err, context.DeadlineExceeded):
		h.logger().Printf("server: sign checkpoint: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, errorPayload("signer unavailable"))
		return
	case err != nil:
		h.logger().Printf("server: sign checkpoint: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorPayload("sign failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "signature": art})
}

func (h *Handler) verify(ctx context.Context) audit.Report {
	v := &audit.Verifier{
		Log:                h.Store,
		Gateway:            h.Gateway,
		FreshnessThreshold: h.FreshnessThreshold,
		Now:                h.now,
		Logger:             h.logger(),
	}
	return v.Verify(ctx)
}

// Verify runs a full verification, stores the report and answers 409 when
// the chain or the signature is invalid.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	report := h.verify(r.Context())
	if err := writeReport(h.Store.Layout(), report); err != nil {
		h.logger().Printf("server: write verify report: %v", err)
	}
	if h.History != nil {
		if _, err := h.History.Record(r.Context(), report, "server"); err != nil {
			h.logger().Printf("server: record verification: %v", err)
		}
	}
	code := http.StatusOK
	if !report.OK() {
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]interface{}{"ok": report.OK(), "report": report})
}

func (h *Handler) VerifyHistory(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorPayload("history not configured"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.History.List(r.Context(), limit)
	if err != nil {
		h.logger().Printf("server: list history: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorPayload("history read failed"))
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "items": runs})
}

// Status verifies afresh and summarizes the newest event with the result.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	report := h.verify(r.Context())
	summary := status.Collect(h.Store, &report, h.now(), h.logger())
	if err := writeSummary(h.Store.Layout(), summary); err != nil {
		h.logger().Printf("server: write status: %v", err)
	}
	writeJSON(w, http.StatusOK, summary)
}

type classifyRequest struct {
	Event   map[string]interface{} `json:"event"`
	Context map[string]interface{} `json:"context"`
}

func (h *Handler) PolicyClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload("invalid json"))
		return
	}
	class, err := h.Policy.Classify(req.Event, req.Context)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorPayload(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "classification": class})
}

func verifySignature(body []byte, header string, secret string) bool {
	if header == "" || secret == "" {
		return false
	}
	provided, ok := strings.CutPrefix(header, "sha256=")
	if !ok || provided == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorPayload(msg string) map[string]interface{} {
	return map[string]interface{}{"ok": false, "error": msg}
}
