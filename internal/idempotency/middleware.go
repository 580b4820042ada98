package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"paygate/internal/apperr"
)

const (
	HeaderKey       = "Idempotency-Key"
	HeaderKeyLegacy = "X-Idempotency-Key"
	HeaderCached    = "X-Idempotency-Cached"

	maxBodyBytes = 1 << 20
)

// cachedResponse is what the middleware stores as the operation result
type cachedResponse struct {
	Status int                 `json:"status"`
	Header map[string][]string `json:"header,omitempty"`
	Body   []byte              `json:"body,omitempty"`
}

// failedResponse carries a non-2xx response out of the operation so it is
// written to the client without being cached
type failedResponse struct {
	resp cachedResponse
}

func (f *failedResponse) Error() string {
	return "handler responded with status " + strconv.Itoa(f.resp.Status)
}

// recorder buffers a handler's response
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(b)
}

func (r *recorder) response() cachedResponse {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	return cachedResponse{Status: status, Header: r.header, Body: r.body.Bytes()}
}

// Middleware makes mutating requests idempotent. The key comes from the
// Idempotency-Key (or X-Idempotency-Key) header, scoped to method and path,
// or is derived from method, path and body. Successful responses are cached
// for ttl and replayed verbatim; error responses are passed through uncached.
func Middleware(c *Coordinator, ttl time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("idempotency_middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isMutation(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			r.Body.Close()
			if err != nil {
				writeError(w, apperr.Validation("idempotency", "failed to read request body"))
				return
			}
			if len(body) > maxBodyBytes {
				writeError(w, apperr.Validation("idempotency", "request body too large"))
				return
			}

			clientKey := requestKey(r)
			storeKey := DeriveRequestKey(r.Method, r.URL.Path, body)
			if clientKey != "" {
				storeKey = DeriveKey(strings.ToLower(r.Method), r.URL.Path, clientKey)
			} else {
				clientKey = storeKey
			}

			res, err := c.Execute(r.Context(), storeKey, ttl, func(ctx context.Context) ([]byte, error) {
				rec := newRecorder()
				req := r.Clone(ctx)
				req.Body = io.NopCloser(bytes.NewReader(body))
				req.ContentLength = int64(len(body))
				next.ServeHTTP(rec, req)

				resp := rec.response()
				if resp.Status >= http.StatusBadRequest {
					return nil, &failedResponse{resp: resp}
				}
				return json.Marshal(resp)
			})

			var failed *failedResponse
			switch {
			case errors.As(err, &failed):
				w.Header().Set(HeaderKeyLegacy, clientKey)
				w.Header().Set(HeaderCached, "false")
				replay(w, failed.resp)
				return
			case err != nil:
				logger.Info("Idempotent request rejected",
					zap.String("path", r.URL.Path),
					zap.String("kind", string(apperr.KindOf(err))),
					zap.Error(err))
				w.Header().Set(HeaderKeyLegacy, clientKey)
				writeError(w, err)
				return
			}

			var resp cachedResponse
			if err := json.Unmarshal(res.Value, &resp); err != nil {
				logger.Error("Unreadable cached response", zap.String("key", storeKey), zap.Error(err))
				writeError(w, apperr.Wrap(apperr.KindInternal, "idempotency", err))
				return
			}

			if res.Cached {
				logger.Debug("Replaying cached response", zap.String("path", r.URL.Path))
			}
			w.Header().Set(HeaderKeyLegacy, clientKey)
			w.Header().Set(HeaderCached, strconv.FormatBool(res.Cached))
			replay(w, resp)
		})
	}
}

func requestKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get(HeaderKey)); k != "" {
		return k
	}
	return strings.TrimSpace(r.Header.Get(HeaderKeyLegacy))
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func replay(w http.ResponseWriter, resp cachedResponse) {
	for k, vs := range resp.Header {
		if http.CanonicalHeaderKey(k) == HeaderCached {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeError(w http.ResponseWriter, err error) {
	if ra := apperr.RetryAfterOf(err); ra > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ra.Seconds()))))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": apperr.PublicMessage(err)})
}
