// Package plugins is the static catalogue of fault-injection modules. Every
// plugin is a pure descriptor: it mutates the token or response exposed by
// its context and reports the mutation plus before/after evidence. Plugins
// never assume mutual exclusivity; several may run on the same request.
package plugins

import (
	"fmt"

	"github.com/lokisec/loki/pkg/mischief"
)

// attackerOrigin is the canonical attacker-controlled URL used across
// audience, issuer and discovery mutations.
const attackerOrigin = "https://attacker.com"

// tokenCtx narrows a context to the token variant. Plugins invoked with the
// wrong variant report an unmet precondition instead of failing.
func tokenCtx(mc mischief.Context) (*mischief.TokenContext, bool) {
	tc, ok := mc.(*mischief.TokenContext)
	if !ok || tc.Token == nil {
		return nil, false
	}
	return tc, true
}

func responseCtx(mc mischief.Context) (*mischief.ResponseContext, bool) {
	rc, ok := mc.(*mischief.ResponseContext)
	return rc, ok
}

func discoveryCtx(mc mischief.Context) (*mischief.DiscoveryContext, bool) {
	dc, ok := mc.(*mischief.DiscoveryContext)
	if !ok || dc.Document == nil {
		return nil, false
	}
	return dc, true
}

// stringOpt reads a string option from the plugin's configuration map,
// falling back to def when absent or not a string.
func stringOpt(mc mischief.Context, key, def string) string {
	cfg := mc.PluginConfig()
	if cfg == nil {
		return def
	}
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

// intOpt reads an integer option, tolerating the float64 values JSON
// decoding produces.
func intOpt(mc mischief.Context, key string, def int) int {
	cfg := mc.PluginConfig()
	if cfg == nil {
		return def
	}
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// applied builds a successful Result with a mutation summary and evidence.
func applied(mutation string, evidence map[string]any) mischief.Result {
	if evidence == nil {
		evidence = map[string]any{}
	}
	return mischief.Result{Applied: true, Mutation: mutation, Evidence: evidence}
}

func unknownMode(mode string) mischief.Result {
	return mischief.Skipped(fmt.Sprintf("unknown mode %q", mode))
}
