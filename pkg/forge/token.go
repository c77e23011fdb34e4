// Package forge provides low-level JWT manipulation primitives for fault
// injection: parsing compact JWS serializations into mutable parts,
// re-signing them with an arbitrary algorithm and key material, and emitting
// deliberately malformed or unsigned tokens.
//
// Unlike a validation library, the forge never verifies anything. Every field
// of the header and claims is an open map the caller may rewrite at will,
// including values that violate RFC 7519.
package forge

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors.
var (
	// ErrMalformedToken is returned when the input is not a three-segment
	// compact JWS with JSON header and claims.
	ErrMalformedToken = errors.New("malformed token")

	// ErrUnsupportedAlgorithm is returned by Sign when the algorithm name is
	// not a registered JWS algorithm.
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

	// ErrInvalidKey is returned when the key material cannot be used with the
	// requested algorithm.
	ErrInvalidKey = errors.New("invalid key material")
)

// AlgNone is the JWS "none" algorithm literal (RFC 7518 §3.6).
const AlgNone = "none"

// Token is a mutable decomposition of a compact JWS. Header and Claims are
// open maps; Signature holds the third segment verbatim as an unpadded
// base64url string. A Token is exclusively owned by its creator; it is not
// safe for concurrent mutation.
type Token struct {
	Header    map[string]any
	Claims    map[string]any
	Signature string
}

// New creates a token from the given header and claims. Nil maps are
// replaced with empty ones so callers can assign fields immediately.
func New(header, claims map[string]any) *Token {
	if header == nil {
		header = map[string]any{}
	}
	if claims == nil {
		claims = map[string]any{}
	}
	return &Token{Header: header, Claims: claims}
}

// Parse splits a compact JWS into its mutable parts. It fails with
// ErrMalformedToken when the segment count differs from three, when either
// of the first two segments does not base64url-decode to valid JSON, or when
// the header lacks a string-valued "alg" field. The signature segment is
// kept verbatim and never decoded.
func Parse(raw string) (*Token, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}

	header, err := decodeJSONSegment(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	claims, err := decodeJSONSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrMalformedToken, err)
	}

	if _, ok := header["alg"].(string); !ok {
		return nil, fmt.Errorf("%w: header has no string alg field", ErrMalformedToken)
	}

	return &Token{
		Header:    header,
		Claims:    claims,
		Signature: parts[2],
	}, nil
}

// Algorithm returns the header "alg" value, or the empty string when absent
// or not a string.
func (t *Token) Algorithm() string {
	alg, _ := t.Header["alg"].(string)
	return alg
}

// SigningString returns base64url(header) || "." || base64url(claims), the
// exact byte sequence a JWS signature covers.
func (t *Token) SigningString() (string, error) {
	header, err := encodeJSONSegment(t.Header)
	if err != nil {
		return "", fmt.Errorf("encoding header: %w", err)
	}
	claims, err := encodeJSONSegment(t.Claims)
	if err != nil {
		return "", fmt.Errorf("encoding claims: %w", err)
	}
	return header + "." + claims, nil
}

// Emit serialises the token to compact form. The signature segment is
// appended unchanged, except that a header alg of "none" always yields an
// empty third segment (the trailing dot is retained per RFC 7515 §A.5).
func (t *Token) Emit() (string, error) {
	signingString, err := t.SigningString()
	if err != nil {
		return "", err
	}
	if t.Algorithm() == AlgNone {
		return signingString + ".", nil
	}
	return signingString + "." + t.Signature, nil
}

// Sign sets the header alg to the given algorithm, computes a fresh
// signature over the current header and claims, and stores it. Key material
// depends on the family:
//
//   - HS256/HS384/HS512: raw octets (string or []byte). PEM text is accepted
//     as-is, which is how key-confusion attacks sign with a public key.
//   - RS*/PS*: a PEM-encoded RSA private key, or an *rsa.PrivateKey.
//   - ES*: a PEM-encoded EC private key, or an *ecdsa.PrivateKey.
//   - none: the signature is cleared and no cryptographic operation occurs.
//
// On any error the token is left unmodified.
func (t *Token) Sign(alg string, key any) error {
	if alg == AlgNone {
		t.Header["alg"] = AlgNone
		t.Signature = ""
		return nil
	}

	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}

	signingKey, err := prepareKey(alg, key)
	if err != nil {
		return err
	}

	// Sign over the token as it would be emitted with the new alg, then
	// commit header and signature together so a signing failure leaves the
	// token untouched.
	prevAlg, hadAlg := t.Header["alg"]
	t.Header["alg"] = alg
	signingString, err := t.SigningString()
	if err == nil {
		var sig []byte
		sig, err = method.Sign(signingString, signingKey)
		if err == nil {
			t.Signature = base64.RawURLEncoding.EncodeToString(sig)
			return nil
		}
	}

	if hadAlg {
		t.Header["alg"] = prevAlg
	} else {
		delete(t.Header, "alg")
	}
	return fmt.Errorf("signing with %s: %w", alg, err)
}

// prepareKey converts caller-supplied key material into the concrete type
// the golang-jwt signing method expects.
func prepareKey(alg string, key any) (any, error) {
	switch {
	case strings.HasPrefix(alg, "HS"):
		switch k := key.(type) {
		case []byte:
			return k, nil
		case string:
			return []byte(k), nil
		default:
			return nil, fmt.Errorf("%w: HMAC requires raw octets, got %T", ErrInvalidKey, key)
		}
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		switch k := key.(type) {
		case []byte:
			parsed, err := jwt.ParseRSAPrivateKeyFromPEM(k)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			return parsed, nil
		case string:
			parsed, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(k))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			return parsed, nil
		default:
			return key, nil
		}
	case strings.HasPrefix(alg, "ES"):
		switch k := key.(type) {
		case []byte:
			parsed, err := jwt.ParseECPrivateKeyFromPEM(k)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			return parsed, nil
		case string:
			parsed, err := jwt.ParseECPrivateKeyFromPEM([]byte(k))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			return parsed, nil
		default:
			return key, nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// decodeJSONSegment base64url-decodes a segment (restoring padding if it was
// stripped) and unmarshals it as a JSON object.
func decodeJSONSegment(seg string) (map[string]any, error) {
	data, err := DecodeSegment(seg)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeJSONSegment(v map[string]any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// EncodeSegment base64url-encodes data without padding.
func EncodeSegment(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeSegment base64url-decodes a segment, accepting both padded and
// unpadded input.
func DecodeSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
}
