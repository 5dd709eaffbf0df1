package server

import (
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"witness_service/internal/telemetry"
)

var tracer = otel.Tracer("witness_service/internal/server")

func New(handler *Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.Health)
	mux.HandleFunc("POST /events", handler.IngestEvent)
	mux.HandleFunc("GET /audit/events", handler.ListEvents)
	mux.HandleFunc("POST /audit/chain", handler.Chain)
	mux.HandleFunc("GET /audit/checkpoint/latest", handler.LatestCheckpoint)
	mux.HandleFunc("POST /audit/checkpoint/sign", handler.SignCheckpoint)
	mux.HandleFunc("GET /audit/verify", handler.Verify)
	mux.HandleFunc("GET /audit/verify/history", handler.VerifyHistory)
	mux.HandleFunc("GET /status", handler.Status)
	mux.HandleFunc("POST /policy/classify", handler.PolicyClassify)

	return logging(handler.logger(), mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logging(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.Int("http.response.status_code", rec.status),
		)
		if id := telemetry.TraceID(ctx); id != "" {
			logger.Printf("%s %s %d %s trace=%s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond), id)
			return
		}
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}
