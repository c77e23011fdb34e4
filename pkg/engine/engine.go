// Package engine routes intercepted responses through the plugins enabled
// for a session and records every applied mutation in the ledger.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lokisec/loki/pkg/forge"
	"github.com/lokisec/loki/pkg/ledger"
	"github.com/lokisec/loki/pkg/logger"
	"github.com/lokisec/loki/pkg/mischief"
	"github.com/lokisec/loki/pkg/session"
)

// Sink receives every applied ledger entry, one call per applied result.
// ledger.Store satisfies it.
type Sink interface {
	SaveEntry(ctx context.Context, entry ledger.Entry) error
}

// Engine executes session-selected plugins against intercepted responses.
// In-memory ledger state is a cache; the configured sink is authoritative.
type Engine struct {
	registry *mischief.Registry
	keys     *forge.KeyFetcher
	jwksURL  string
	sink     Sink
	metrics  *metrics

	mu      sync.Mutex
	entries map[string][]ledger.Entry
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink forwards applied entries to a durable store.
func WithSink(sink Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithKeySource wires the issuer public key used by key-confusion attacks.
func WithKeySource(keys *forge.KeyFetcher, jwksURL string) Option {
	return func(e *Engine) {
		e.keys = keys
		e.jwksURL = jwksURL
	}
}

// WithMetricsRegisterer registers the engine's counters with reg instead of
// keeping them unregistered.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metrics = newMetrics(reg) }
}

// New creates an engine over the given plugin registry.
func New(registry *mischief.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		entries:  make(map[string][]ledger.Entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = newMetrics(nil)
	}
	return e
}

// Ledger returns a copy of the in-memory entries for a session. After a
// restart, historical entries are reachable only through the store.
func (e *Engine) Ledger(sessionID string) []ledger.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ledger.Entry(nil), e.entries[sessionID]...)
}

// DropSession discards the in-memory ledger cache for a session.
func (e *Engine) DropSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.entries, sessionID)
}

// Request is the per-request view of the engine. The session's plugin
// selection is made once per request, no matter how many phase entry points
// fire, so shuffled sessions consume exactly one queue slot per request.
type Request struct {
	engine *Engine
	sess   *session.Session
	id     string

	once     sync.Once
	selected []string
}

// Request creates the per-request engine handle.
func (e *Engine) Request(sess *session.Session, requestID string) *Request {
	return &Request{engine: e, sess: sess, id: requestID}
}

// SessionID returns the owning session's id.
func (r *Request) SessionID() string {
	return r.sess.ID
}

func (r *Request) plugins() []string {
	r.once.Do(func() {
		r.selected = r.sess.NextPlugins()
	})
	return r.selected
}

// resolve maps the session's candidate ids to registered plugins in the
// given phase set, dropping unknowns and preserving session order.
func (r *Request) resolve(phases ...mischief.Phase) []*mischief.Plugin {
	var out []*mischief.Plugin
	for _, id := range r.plugins() {
		p, ok := r.engine.registry.Get(id)
		if !ok {
			logger.Debugw("session references unknown plugin", "plugin", id, "session", r.sess.ID)
			continue
		}
		for _, phase := range phases {
			if p.Phase == phase {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// ApplyToToken runs the token-signing and token-claims plugins against a
// forged token. Mutations from plugin i are visible to plugin i+1. The
// returned error means the caller must fall back to the original response.
func (r *Request) ApplyToToken(ctx context.Context, tok *forge.Token) error {
	plugins := r.resolve(mischief.PhaseTokenSigning, mischief.PhaseTokenClaims)
	if len(plugins) == 0 {
		return nil
	}

	mc := &mischief.TokenContext{
		Token:   tok,
		Session: r.sess.Info(),
	}
	if r.engine.keys != nil {
		jwksURL := r.engine.jwksURL
		keys := r.engine.keys
		mc.PublicKeyPEM = func(ctx context.Context) (string, error) {
			return keys.PublicKeyPEM(ctx, jwksURL)
		}
	}

	return r.run(ctx, plugins, mc)
}

// ApplyToResponse runs response-phase plugins. The returned header map holds
// headers set by plugins, and newBody the (possibly replaced) body.
func (r *Request) ApplyToResponse(ctx context.Context, status int, body any) (newBody any, headers map[string]string, err error) {
	plugins := r.resolve(mischief.PhaseResponse)
	if len(plugins) == 0 {
		return body, nil, nil
	}

	mc := &mischief.ResponseContext{
		Status:  status,
		Headers: map[string]string{},
		Body:    body,
		Delay:   delay,
		Session: r.sess.Info(),
	}

	if err := r.run(ctx, plugins, mc); err != nil {
		return body, nil, err
	}
	return mc.Body, mc.Headers, nil
}

// ApplyToDiscovery runs discovery-phase plugins against the parsed OIDC
// discovery document, mutating it in place.
func (r *Request) ApplyToDiscovery(ctx context.Context, status int, doc map[string]any) error {
	return r.applyDiscoveryPhase(ctx, status, doc)
}

// ApplyToJWKS runs discovery-phase plugins against the parsed JWKS document.
// Discovery and JWKS share the discovery phase.
func (r *Request) ApplyToJWKS(ctx context.Context, status int, doc map[string]any) error {
	return r.applyDiscoveryPhase(ctx, status, doc)
}

func (r *Request) applyDiscoveryPhase(ctx context.Context, status int, doc map[string]any) error {
	plugins := r.resolve(mischief.PhaseDiscovery)
	if len(plugins) == 0 {
		return nil
	}

	mc := &mischief.DiscoveryContext{
		Status:   status,
		Headers:  map[string]string{},
		Document: doc,
		Session:  r.sess.Info(),
	}
	return r.run(ctx, plugins, mc)
}

// run executes plugins sequentially in session order. Every applied result
// produces exactly one ledger entry; errors and panics abort the phase and
// surface to the interceptor, which falls back to the untouched response.
func (r *Request) run(ctx context.Context, plugins []*mischief.Plugin, base mischief.Context) error {
	for _, p := range plugins {
		result, err := r.apply(ctx, p, withConfig(base, r.sess.ConfigFor(p.ID)))
		if err != nil {
			r.engine.metrics.recordError()
			return fmt.Errorf("plugin %s: %w", p.ID, err)
		}
		if !result.Applied {
			logger.Debugw("plugin skipped", "plugin", p.ID, "session", r.sess.ID)
			continue
		}

		r.engine.metrics.recordApplied(p.ID, string(p.Severity))
		r.engine.record(ctx, ledger.NewEntry(r.sess.ID, r.id, p, result))
	}
	return nil
}

// apply invokes one plugin, converting panics into errors so a broken
// plugin can never desynchronise the wire protocol.
func (r *Request) apply(ctx context.Context, p *mischief.Plugin, mc mischief.Context) (result mischief.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.Apply(ctx, mc)
}

// record appends the entry to the in-memory cache and forwards it to the
// sink. Sink failures are logged and swallowed: unreliable persistence is
// never permitted to break the on-wire contract.
func (e *Engine) record(ctx context.Context, entry ledger.Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.entries[entry.SessionID] = append(e.entries[entry.SessionID], entry)
	if e.sink != nil {
		if err := e.sink.SaveEntry(ctx, entry); err != nil {
			logger.Errorw("ledger sink write failed", "session", entry.SessionID, "entry", entry.ID, "error", err)
		}
	}
}

// withConfig attaches the per-plugin configuration to the shared phase
// context before each plugin runs.
func withConfig(base mischief.Context, cfg map[string]any) mischief.Context {
	switch c := base.(type) {
	case *mischief.TokenContext:
		c.Config = cfg
	case *mischief.ResponseContext:
		c.Config = cfg
	case *mischief.DiscoveryContext:
		c.Config = cfg
	}
	return base
}

// delay suspends the caller for d, honouring context cancellation.
func delay(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
