// Package mischief defines the fault-injection plugin model: plugin
// descriptors, the phase-tagged contexts handed to plugins, and the registry
// that indexes them.
package mischief

import (
	"context"
	"time"

	"github.com/lokisec/loki/pkg/forge"
)

// Severity classifies how serious a client-side failure to detect a given
// fault would be.
type Severity string

// Known severities.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severities lists all severity labels in descending order. Ledger summaries
// key by all four regardless of whether entries exist.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Valid reports whether s is a known severity label.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Phase identifies the point in the response pipeline where a plugin runs.
type Phase string

// Pipeline phases. The two token phases share an invocation point; discovery
// covers both the OIDC discovery document and the JWKS document.
const (
	PhaseTokenSigning Phase = "token-signing"
	PhaseTokenClaims  Phase = "token-claims"
	PhaseResponse     Phase = "response"
	PhaseDiscovery    Phase = "discovery"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseTokenSigning, PhaseTokenClaims, PhaseResponse, PhaseDiscovery:
		return true
	}
	return false
}

// SpecRef ties a plugin to the specification clause it violates.
type SpecRef struct {
	RFC         string `json:"rfc,omitempty"`
	OIDC        string `json:"oidc,omitempty"`
	CWE         string `json:"cwe,omitempty"`
	Description string `json:"description"`
}

// SessionInfo is the read-only session summary exposed to plugins.
type SessionInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Mode string `json:"mode"`
}

// Result is what a plugin reports back to the engine. Applied=false means
// preconditions were not met and no ledger entry is recorded; the engine
// treats a returned error the same way.
type Result struct {
	Applied  bool
	Mutation string
	Evidence map[string]any
}

// Skipped is a convenience Result for unmet preconditions.
func Skipped(reason string) Result {
	return Result{Evidence: map[string]any{"skipped": reason}}
}

// Context is the phase-tagged variant handed to a plugin's Apply. The engine
// only hands a plugin the variant matching its declared phase; a plugin that
// receives anything else must return an un-applied Result.
type Context interface {
	SessionInfo() SessionInfo
	PluginConfig() map[string]any
}

// TokenContext is handed to token-signing and token-claims plugins. The
// embedded token is exclusively owned by the engine for the duration of the
// request; mutations from earlier plugins are visible to later ones.
type TokenContext struct {
	Token *forge.Token

	// PublicKeyPEM yields the issuer's current public key as SPKI PEM, for
	// key-confusion attacks. May perform a JWKS fetch on first use.
	PublicKeyPEM func(ctx context.Context) (string, error)

	Config  map[string]any
	Session SessionInfo
}

// SessionInfo implements Context.
func (c *TokenContext) SessionInfo() SessionInfo { return c.Session }

// PluginConfig implements Context.
func (c *TokenContext) PluginConfig() map[string]any { return c.Config }

// ResponseContext is handed to response-phase plugins. Headers starts empty;
// entries set by plugins are merged into the outgoing response.
type ResponseContext struct {
	Status  int
	Headers map[string]string
	Body    any

	// Delay suspends the caller for the given duration, honouring ctx
	// cancellation. Used by latency-injection.
	Delay func(ctx context.Context, d time.Duration) error

	Config  map[string]any
	Session SessionInfo
}

// SessionInfo implements Context.
func (c *ResponseContext) SessionInfo() SessionInfo { return c.Session }

// PluginConfig implements Context.
func (c *ResponseContext) PluginConfig() map[string]any { return c.Config }

// DiscoveryContext is handed to discovery-phase plugins. Document is the
// parsed OIDC discovery or JWKS JSON object.
type DiscoveryContext struct {
	Status   int
	Headers  map[string]string
	Document map[string]any

	Config  map[string]any
	Session SessionInfo
}

// SessionInfo implements Context.
func (c *DiscoveryContext) SessionInfo() SessionInfo { return c.Session }

// PluginConfig implements Context.
func (c *DiscoveryContext) PluginConfig() map[string]any { return c.Config }

// ApplyFunc mutates the state exposed by the context and reports what it did.
type ApplyFunc func(ctx context.Context, mc Context) (Result, error)

// Plugin is a named fault module. Descriptors are immutable after
// registration and live for the whole process.
type Plugin struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	Phase       Phase     `json:"phase"`
	Spec        SpecRef   `json:"spec"`
	Apply       ApplyFunc `json:"-"`
}
