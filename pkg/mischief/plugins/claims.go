package plugins

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lokisec/loki/pkg/mischief"
)

// IssuerConfusion rewrites the iss claim.
func IssuerConfusion() *mischief.Plugin {
	return &mischief.Plugin{
		ID:          "issuer-confusion",
		Name:        "Issuer Confusion",
		Description: "Replaces the iss claim with attacker, typosquatted, empty or null values",
		Severity:    mischief.SeverityCritical,
		Phase:       mischief.PhaseTokenClaims,
		Spec: mischief.SpecRef{
			RFC:         "RFC 7519 Section 4.1.1",
			OIDC:        "OIDC Core 1.0 Section 3.1.3.7",
			CWE:         "CWE-346",
			Description: "Clients must verify the iss claim matches the expected issuer exactly",
		},
		Apply: func(_ context.Context, mc mischief.Context) (mischief.Result, error) {
			tc, ok := tokenCtx(mc)
			if !ok {
				return mischief.Skipped("no token in context"), nil
			}

			before := tc.Token.Claims["iss"]
			mode := stringOpt(mc, "mode", "evil")

			var after any
			switch mode {
			case "evil":
				after = attackerOrigin
			case "similar":
				orig, _ := before.(string)
				after = typosquat(orig)
			case "empty":
				after = ""
			case "null":
				after = nil
			default:
				return unknownMode(mode), nil
			}
			tc.Token.Claims["iss"] = after

			return applied(fmt.Sprintf("replaced iss claim (%s)", mode), map[string]any{
				"mode":   mode,
				"before": before,
				"after":  after,
			}), nil
		},
	}
}

// typosquat derives a visually similar issuer from the original: the first
// substitutable letter is swapped for its homoglyph digit. Falls back to a
// static lookalike when the original gives nothing to work with.
func typosquat(issuer string) string {
	replacements := []struct{ from, to string }{
		{"l", "1"},
		{"o", "0"},
		{"e", "3"},
	}
	for _, r := range replacements {
		if strings.Contains(issuer, r.from) {
			return strings.Replace(issuer, r.from, r.to, 1)
		}
	}
	return "https://accounts-login.example.com"
}

// AudienceConfusion rewrites the aud claim.
func AudienceConfusion() *mischief.Plugin {
	return &mischief.Plugin{
		ID:          "audience-confusion",
		Name:        "Audience Confusion",
		Description: "Injects, replaces, removes or wildcards the aud claim",
		Severity:    mischief.SeverityCritical,
		Phase:       mischief.PhaseTokenClaims,
		Spec: mischief.SpecRef{
			RFC:         "RFC 7519 Section 4.1.3",
			OIDC:        "OIDC Core 1.0 Section 3.1.3.7",
			CWE:         "CWE-287",
			Description: "Clients must reject tokens whose aud does not contain their own identifier",
		},
		Apply: func(_ context.Context, mc mischief.Context) (mischief.Result, error) {
			tc, ok := tokenCtx(mc)
			if !ok {
				return mischief.Skipped("no token in context"), nil
			}

			before := tc.Token.Claims["aud"]
			mode := stringOpt(mc, "mode", "inject")

			var after any
			switch mode {
			case "inject":
				switch aud := before.(type) {
				case []any:
					after = append(append([]any{}, aud...), attackerOrigin)
				case string:
					after = []any{aud, attackerOrigin}
				default:
					after = []any{attackerOrigin}
				}
			case "replace":
				after = attackerOrigin
			case "remove":
				after = []any{}
			case "wildcard":
				after = "*"
			default:
				return unknownMode(mode), nil
			}
			tc.Token.Claims["aud"] = after

			return applied(fmt.Sprintf("manipulated aud claim (%s)", mode), map[string]any{
				"mode":   mode,
				"before": before,
				"after":  after,
			}), nil
		},
	}
}

// SubjectManipulation rewrites the sub claim.
func SubjectManipulation() *mischief.Plugin {
	return &mischief.Plugin{
		ID:          "subject-manipulation",
		Name:        "Subject Manipulation",
		Description: "Rewrites the sub claim to impersonate another principal",
		Severity:    mischief.SeverityCritical,
		Phase:       mischief.PhaseTokenClaims,
		Spec: mischief.SpecRef{
			RFC:         "RFC 7519 Section 4.1.2",
			CWE:         "CWE-290",
			Description: "The subject claim binds the token to a principal and must not be trusted blindly",
		},
		Apply: func(_ context.Context, mc mischief.Context) (mischief.Result, error) {
			tc, ok := tokenCtx(mc)
			if !ok {
				return mischief.Skipped("no token in context"), nil
			}

			before := tc.Token.Claims["sub"]
			mode := stringOpt(mc, "mode", "impersonate")

			var after any
			switch mode {
			case "impersonate":
				after = stringOpt(mc, "victim", "victim-user")
			case "admin":
				after = "admin"
			case "empty":
				after = ""
			case "numeric":
				after = 1
			default:
				return unknownMode(mode), nil
			}
			tc.Token.Claims["sub"] = after

			return applied(fmt.Sprintf("rewrote sub claim (%s)", mode), map[string]any{
				"mode":   mode,
				"before": before,
				"after":  after,
			}), nil
		},
	}
}

// TemporalTampering shifts the validity window claims.
func TemporalTampering() *mischief.Plugin {
	return &mischief.Plugin{
		ID:          "temporal-tampering",
		Name:        "Temporal Tampering",
		Description: "Shifts exp, nbf or iat outside the valid window",
		Severity:    mischief.SeverityHigh,
		Phase:       mischief.PhaseTokenClaims,
		Spec: mischief.SpecRef{
			RFC:         "RFC 7519 Section 4.1.4",
			CWE:         "CWE-613",
			Description: "Clients must enforce exp, nbf and iat validity windows",
		},
		Apply: func(_ context.Context, mc mischief.Context) (mischief.Result, error) {
			tc, ok := tokenCtx(mc)
			if !ok {
				return mischief.Skipped("no token in context"), nil
			}

			now := time.Now().Unix()
			mode := stringOpt(mc, "mode", "expired")

			var claim string
			var after int64
			switch mode {
			case "expired":
				claim, after = "exp", now-3600
			case "future":
				claim, after = "nbf", now+3600
			case "issued-future":
				claim, after = "iat", now+3600
			default:
				return unknownMode(mode), nil
			}

			before := tc.Token.Claims[claim]
			tc.Token.Claims[claim] = after

			return applied(fmt.Sprintf("set %s to %d (%s)", claim, after, mode), map[string]any{
				"mode":   mode,
				"claim":  claim,
				"before": before,
				"after":  after,
			}), nil
		},
	}
}

// staticReplayNonce is the fixed nonce used by replay mode so repeated
// responses carry an identical value.
const staticReplayNonce = "deadbeef-replayed-nonce"

// NonceBypass manipulates the OIDC nonce binding.
func NonceBypass() *mischief.Plugin {
	return &mischief.Plugin{
		ID:          "nonce-bypass",
		Name:        "Nonce Bypass",
		Description: "Removes, replays or mismatches the nonce claim",
		Severity:    mischief.SeverityHigh,
		Phase:       mischief.PhaseTokenClaims,
		Spec: mischief.SpecRef{
			OIDC:        "OIDC Core 1.0 Section 3.1.3.7",
			CWE:         "CWE-294",
			Description: "Clients must verify the nonce in the ID token matches the one they sent",
		},
		Apply: func(_ context.Context, mc mischief.Context) (mischief.Result, error) {
			tc, ok := tokenCtx(mc)
			if !ok {
				return mischief.Skipped("no token in context"), nil
			}

			before := tc.Token.Claims["nonce"]
			mode := stringOpt(mc, "mode", "remove")

			var after any
			switch mode {
			case "remove":
				delete(tc.Token.Claims, "nonce")
				after = nil
			case "replay":
				after = staticReplayNonce
				tc.Token.Claims["nonce"] = after
			case "empty":
				after = ""
				tc.Token.Claims["nonce"] = after
			case "mismatch":
				after = uuid.NewString()
				tc.Token.Claims["nonce"] = after
			default:
				return unknownMode(mode), nil
			}

			return applied(fmt.Sprintf("manipulated nonce claim (%s)", mode), map[string]any{
				"mode":   mode,
				"before": before,
				"after":  after,
			}), nil
		},
	}
}

// StateBypass injects CSRF-adjacent claims or tampers with azp.
func StateBypass() *mischief.Plugin {
	return &mischief.Plugin{
		ID:          "state-bypass",
		Name:        "State Bypass",
		Description: "Injects a state claim, tampers with azp, or adds privilege-escalation claims",
		Severity:    mischief.SeverityHigh,
		Phase:       mischief.PhaseTokenClaims,
		Spec: mischief.SpecRef{
			RFC:         "RFC 6749 Section 10.12",
			CWE:         "CWE-352",
			Description: "Authorization request state and authorized party must survive tampering",
		},
		Apply: func(_ context.Context, mc mischief.Context) (mischief.Result, error) {
			tc, ok := tokenCtx(mc)
			if !ok {
				return mischief.Skipped("no token in context"), nil
			}

			mode := stringOpt(mc, "mode", "inject-state")
			evidence := map[string]any{"mode": mode}

			switch mode {
			case "inject-state":
				evidence["before"] = tc.Token.Claims["state"]
				tc.Token.Claims["state"] = "forged-state-value"
				evidence["after"] = "forged-state-value"
			case "tamper-azp":
				evidence["before"] = tc.Token.Claims["azp"]
				tc.Token.Claims["azp"] = "attacker-client"
				evidence["after"] = "attacker-client"
			case "add-claims":
				injected := map[string]any{
					"_debug":            true,
					"admin":             true,
					"role":              "admin",
					"permissions":       []any{"*"},
					"bypass_validation": true,
				}
				for k, v := range injected {
					tc.Token.Claims[k] = v
				}
				evidence["injected_claims"] = []any{"_debug", "admin", "role", "permissions", "bypass_validation"}
			default:
				return unknownMode(mode), nil
			}

			return applied(fmt.Sprintf("state/authorization tampering (%s)", mode), evidence), nil
		},
	}
}

const (
	injectedScopes = "admin write:all delete:all"
	elevatedScopes = "admin system:admin iam:* org:admin root"
)

// ScopeInjection escalates or strips the scope claim.
func ScopeInjection() *mischief.Plugin {
	return &mischief.Plugin{
		ID:          "scope-injection",
		Name:        "Scope Injection",
		Description: "Appends, replaces or removes scopes in the scope claim",
		Severity:    mischief.SeverityCritical,
		Phase:       mischief.PhaseTokenClaims,
		Spec: mischief.SpecRef{
			RFC:         "RFC 6749 Section 3.3",
			CWE:         "CWE-269",
			Description: "Resource servers must enforce granted scopes rather than trust claim contents",
		},
		Apply: func(_ context.Context, mc mischief.Context) (mischief.Result, error) {
			tc, ok := tokenCtx(mc)
			if !ok {
				return mischief.Skipped("no token in context"), nil
			}

			before := tc.Token.Claims["scope"]
			mode := stringOpt(mc, "mode", "inject")

			var after any
			switch mode {
			case "inject":
				if orig, ok := before.(string); ok && orig != "" {
					after = orig + " " + injectedScopes
				} else {
					after = injectedScopes
				}
				tc.Token.Claims["scope"] = after
			case "replace":
				after = stringOpt(mc, "scope", "admin")
				tc.Token.Claims["scope"] = after
			case "admin":
				if orig, ok := before.(string); ok && orig != "" {
					after = orig + " " + elevatedScopes
				} else {
					after = elevatedScopes
				}
				tc.Token.Claims["scope"] = after
			case "remove":
				delete(tc.Token.Claims, "scope")
				after = nil
			default:
				return unknownMode(mode), nil
			}

			return applied(fmt.Sprintf("manipulated scope claim (%s)", mode), map[string]any{
				"mode":   mode,
				"before": before,
				"after":  after,
			}), nil
		},
	}
}

// PKCEDowngrade weakens proof-of-possession and authentication-strength
// signals carried in the token.
func PKCEDowngrade() *mischief.Plugin {
	return &mischief.Plugin{
		ID:          "pkce-downgrade",
		Name:        "PKCE Downgrade",
		Description: "Injects PKCE artifacts or weakens authentication context claims",
		Severity:    mischief.SeverityHigh,
		Phase:       mischief.PhaseTokenClaims,
		Spec: mischief.SpecRef{
			RFC:         "RFC 7636 Section 4.4",
			CWE:         "CWE-757",
			Description: "Downgrade of code-challenge methods or authentication context must be rejected",
		},
		Apply: func(_ context.Context, mc mischief.Context) (mischief.Result, error) {
			tc, ok := tokenCtx(mc)
			if !ok {
				return mischief.Skipped("no token in context"), nil
			}

			mode := stringOpt(mc, "mode", "weaken-method")
			evidence := map[string]any{"mode": mode}

			switch mode {
			case "inject-code-challenge":
				tc.Token.Claims["code_challenge"] = "attacker-chosen-challenge"
				tc.Token.Claims["code_challenge_method"] = "plain"
				evidence["code_challenge_method"] = "plain"
			case "weaken-method":
				evidence["before_acr"] = tc.Token.Claims["acr"]
				tc.Token.Claims["acr"] = "0"
				tc.Token.Claims["amr"] = []any{"pwd"}
				evidence["after_acr"] = "0"
			case "add-auth-time":
				authTime := time.Now().AddDate(0, 0, -30).Unix()
				tc.Token.Claims["auth_time"] = authTime
				evidence["auth_time"] = authTime
			default:
				return unknownMode(mode), nil
			}

			return applied(fmt.Sprintf("pkce/authentication downgrade (%s)", mode), evidence), nil
		},
	}
}
