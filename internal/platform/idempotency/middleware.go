package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/starbridge/api/internal/platform/httpx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
)

type middlewareConfig struct {
	headerName string
	ttl        time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

// MiddlewareOption customises the middleware.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the request header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL overrides how long completed responses stay replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithLogger injects the logger used for store failures.
func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware enforces idempotency on mutating requests. Requests without the
// key header pass through unguarded; the process endpoint relies on its own
// per-order transfer keys either way.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	cfg := middlewareConfig{
		headerName: defaultHeaderName,
		ttl:        DefaultTTL,
		clock:      time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(cfg.headerName))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(r.Context(), w, httpx.NewError("request_body_unreadable", "unable to read request body", http.StatusInternalServerError))
				return
			}

			fingerprint := requestFingerprint(r, body)
			now := cfg.clock().UTC()

			reservation, err := store.Reserve(r.Context(), key, fingerprint, now, cfg.ttl)
			if err != nil {
				writeStoreError(w, r, cfg.logger, err)
				return
			}

			switch reservation.State {
			case StateCompleted:
				replayResponse(w, reservation.Record)
				return
			case StatePending:
				httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict))
				return
			}

			recorder := newRecorder(w)
			next.ServeHTTP(recorder, r)

			saved := Response{
				Status:  recorder.status(),
				Headers: recorder.headerSnapshot(),
				Body:    recorder.body(),
			}
			if err := store.SaveResponse(r.Context(), key, fingerprint, saved, cfg.clock().UTC(), cfg.ttl); err != nil {
				cfg.logger.Error("idempotency response not persisted",
					zap.String("key", key),
					zap.Error(err),
				)
				if releaseErr := store.Release(r.Context(), key, fingerprint); releaseErr != nil {
					cfg.logger.Error("idempotency key not released", zap.String("key", key), zap.Error(releaseErr))
				}
			}
			recorder.flush()
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if err := r.Body.Close(); err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func requestFingerprint(r *http.Request, body []byte) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteString("|")
	b.WriteString(r.URL.Path)
	b.WriteString("|")
	b.WriteString(r.URL.RawQuery)
	b.WriteString("|")
	if len(body) > 0 {
		b.WriteString(sha256Hex(body))
	}
	return sha256Hex([]byte(b.String()))
}

func writeStoreError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	if errors.Is(err, ErrFingerprintMismatch) {
		httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
		return
	}
	logger.Error("idempotency store failure", zap.Error(err))
	httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_store_error", "unable to process idempotency key", http.StatusInternalServerError))
}

func replayResponse(w http.ResponseWriter, record Record) {
	for name, values := range record.ResponseHeaders {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(replayHeaderName, "true")

	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

// recorder buffers the handler's response so it can be persisted before it
// reaches the client.
type recorder struct {
	parent     http.ResponseWriter
	header     http.Header
	statusCode int
	buf        bytes.Buffer
}

func newRecorder(parent http.ResponseWriter) *recorder {
	return &recorder{parent: parent, header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.statusCode == 0 && status > 0 {
		r.statusCode = status
	}
}

func (r *recorder) Write(data []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	return r.buf.Write(data)
}

func (r *recorder) status() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

func (r *recorder) body() []byte {
	if r.buf.Len() == 0 {
		return nil
	}
	return r.buf.Bytes()
}

func (r *recorder) headerSnapshot() http.Header {
	snapshot := make(http.Header, len(r.header))
	for name, values := range r.header {
		snapshot[name] = append([]string(nil), values...)
	}
	return snapshot
}

func (r *recorder) flush() {
	dst := r.parent.Header()
	for name, values := range r.header {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	r.parent.WriteHeader(r.status())
	if r.buf.Len() > 0 {
		_, _ = r.parent.Write(r.buf.Bytes())
	}
}
