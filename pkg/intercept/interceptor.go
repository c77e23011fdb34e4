// Package intercept buffers upstream OIDC provider responses and routes
// them through the mischief engine before they reach the client.
package intercept

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/lokisec/loki/pkg/engine"
	"github.com/lokisec/loki/pkg/forge"
	"github.com/lokisec/loki/pkg/logger"
	"github.com/lokisec/loki/pkg/session"
)

// SessionHeader selects the mischief session for a request. Matching is
// case-insensitive per normal header semantics.
const SessionHeader = "X-Loki-Session"

// pathClass buckets request URLs by the kind of response they produce.
type pathClass int

const (
	classOther pathClass = iota
	classToken
	classDiscovery
	classJWKS
	classAdmin
)

// classifyPath maps a URL path onto the response classes the interceptor
// knows how to mutate.
func classifyPath(path string) pathClass {
	switch {
	case strings.HasPrefix(path, "/loki"):
		return classAdmin
	case strings.HasSuffix(path, "/.well-known/openid-configuration"):
		return classDiscovery
	case strings.Contains(path, "jwks"), strings.HasSuffix(path, "/keys"):
		return classJWKS
	case strings.HasSuffix(path, "/token"):
		return classToken
	default:
		return classOther
	}
}

// Interceptor wraps the upstream provider handler. Requests without a
// session header, with an unknown session, or for unclassified paths stream
// through untouched.
type Interceptor struct {
	engine   *engine.Engine
	sessions *session.Manager
}

// New creates an interceptor over the given engine and session map.
func New(eng *engine.Engine, sessions *session.Manager) *Interceptor {
	return &Interceptor{engine: eng, sessions: sessions}
}

// captureWriter buffers the upstream handler's response so the body can be
// rewritten before anything hits the wire.
type captureWriter struct {
	http.ResponseWriter
	status int
	buffer bytes.Buffer
}

func newCaptureWriter(w http.ResponseWriter) *captureWriter {
	return &captureWriter{ResponseWriter: w, status: http.StatusOK}
}

// Write captures the response body.
func (cw *captureWriter) Write(data []byte) (int, error) {
	return cw.buffer.Write(data)
}

// WriteHeader captures the status code; the real header write is replayed
// after mutation.
func (cw *captureWriter) WriteHeader(statusCode int) {
	cw.status = statusCode
}

// Middleware returns the chi middleware that performs interception.
func (i *Interceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		class := classifyPath(r.URL.Path)
		sessionID := r.Header.Get(SessionHeader)
		if sessionID == "" || class == classOther || class == classAdmin {
			next.ServeHTTP(w, r)
			return
		}

		sess, ok := i.sessions.Get(sessionID)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		requestID := middleware.GetReqID(r.Context())
		if requestID == "" {
			requestID = uuid.NewString()
		}

		cw := newCaptureWriter(w)
		next.ServeHTTP(cw, r)

		body := i.mutate(r.Context(), i.engine.Request(sess, requestID), class, cw.buffer.Bytes(), cw.status, w.Header())

		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(cw.status)
		if _, err := w.Write(body); err != nil {
			logger.Debugw("writing intercepted response", "error", err)
		}
	})
}

// mutate runs the engine over the buffered body and returns the bytes to
// emit. Any failure falls back to the original bytes; core-side errors are
// never surfaced to the client.
func (i *Interceptor) mutate(
	ctx context.Context,
	req *engine.Request,
	class pathClass,
	original []byte,
	status int,
	headers http.Header,
) []byte {
	if !gjson.ValidBytes(original) {
		return original
	}

	var parsed any
	var mutated []byte

	switch class {
	case classToken:
		var doc map[string]any
		if err := json.Unmarshal(original, &doc); err != nil {
			return original
		}
		if err := i.mutateTokens(ctx, req, doc); err != nil {
			logger.Warnw("token mutation failed, passing response through",
				"session", req.SessionID(), "error", err)
			return original
		}
		parsed = doc
	case classDiscovery, classJWKS:
		var doc map[string]any
		if err := json.Unmarshal(original, &doc); err != nil {
			return original
		}
		var err error
		if class == classDiscovery {
			err = req.ApplyToDiscovery(ctx, status, doc)
		} else {
			err = req.ApplyToJWKS(ctx, status, doc)
		}
		if err != nil {
			logger.Warnw("discovery mutation failed, passing response through",
				"session", req.SessionID(), "error", err)
			return original
		}
		parsed = doc
	default:
		return original
	}

	newBody, pluginHeaders, err := req.ApplyToResponse(ctx, status, parsed)
	if err != nil {
		logger.Warnw("response-phase mutation failed, passing response through",
			"session", req.SessionID(), "error", err)
		return original
	}
	for k, v := range pluginHeaders {
		headers.Set(k, v)
	}

	mutated, err = json.Marshal(newBody)
	if err != nil {
		return original
	}
	return mutated
}

// tokenFields are the token-response fields scanned for compact JWS values.
var tokenFields = []string{"access_token", "id_token"}

// mutateTokens rewrites every JWT-shaped token field in place. Values
// without a dot are opaque and left alone; unparseable JWTs are swallowed
// and the field kept as-is.
func (i *Interceptor) mutateTokens(ctx context.Context, req *engine.Request, doc map[string]any) error {
	for _, field := range tokenFields {
		raw, ok := doc[field].(string)
		if !ok || !strings.Contains(raw, ".") {
			continue
		}

		tok, err := forge.Parse(raw)
		if err != nil {
			logger.Debugw("skipping unparseable token field", "field", field, "error", err)
			continue
		}
		if err := req.ApplyToToken(ctx, tok); err != nil {
			return err
		}
		emitted, err := tok.Emit()
		if err != nil {
			return err
		}
		doc[field] = emitted
	}
	return nil
}
