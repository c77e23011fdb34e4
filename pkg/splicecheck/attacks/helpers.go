package attacks

import (
	"context"
	"fmt"

	"github.com/lokisec/loki/pkg/forge"
	"github.com/lokisec/loki/pkg/splicecheck/classify"
	"github.com/lokisec/loki/pkg/splicecheck/client"
)

// Values that no sane deployment should honour.
const (
	forbiddenAudience = "https://attacker.example.com/api"
	forbiddenResource = "https://attacker.example.com/resource"
	escalatedScope    = "admin write:all delete:all"
)

// claims decodes a JWT's claims without verifying the signature. Returns
// false for opaque (non-JWT) tokens.
func claims(token string) (map[string]any, bool) {
	tok, err := forge.Parse(token)
	if err != nil {
		return nil, false
	}
	return tok.Claims, true
}

// claimString reads a string claim, "" when absent or differently typed.
func claimString(cl map[string]any, name string) string {
	s, _ := cl[name].(string)
	return s
}

// claimNumber reads a numeric claim as float64.
func claimNumber(cl map[string]any, name string) (float64, bool) {
	n, ok := cl[name].(float64)
	return n, ok
}

// audienceValues normalises an aud claim to a string slice. JSON unmarshals
// single-string and array forms differently.
func audienceValues(cl map[string]any) []string {
	switch aud := cl["aud"].(type) {
	case string:
		return []string{aud}
	case []any:
		out := make([]string, 0, len(aud))
		for _, v := range aud {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// actClaim returns the act claim as a map when present.
func actClaim(cl map[string]any) (map[string]any, bool) {
	act, ok := cl["act"].(map[string]any)
	return act, ok
}

// expectRejection is the verify body shared by all negative tests: the
// attack request must be refused on policy grounds.
func expectRejection(resp *client.Response, failReason, failActual string) Verdict {
	desc := classify.Describe(resp.Status, resp.Body)
	switch {
	case classify.IsSecurityRejection(resp.Status, resp.Body):
		return Passed("server rejected the request: " + desc)
	case classify.IsInconclusive(resp.Status, resp.Body):
		return Skipped("inconclusive response: " + desc)
	default:
		return Failed(failReason, "security rejection", fmt.Sprintf("%s (%s)", failActual, desc))
	}
}

// issuedToken pulls the access_token out of a successful exchange response.
func issuedToken(resp *client.Response) string {
	return resp.StringField("access_token")
}

// delegate performs the canonical legitimate exchange: actorName exchanges
// subjectName's token with its own as actor_token. Both client_credentials
// grants and the exchange itself must succeed, otherwise an error aborts the
// calling setup.
func delegate(ctx context.Context, tc *Context, subjectName, actorName string, setup *SetupResult) (string, error) {
	subjectToken, err := tc.AccessToken(ctx, subjectName)
	if err != nil {
		return "", err
	}
	actorToken, err := tc.AccessToken(ctx, actorName)
	if err != nil {
		return "", err
	}
	setup.Tokens[subjectName] = subjectToken
	setup.Tokens[actorName] = actorToken

	actorCreds, err := tc.Credentials(actorName)
	if err != nil {
		return "", err
	}
	resp, err := tc.Client.Exchange(ctx, actorCreds, client.ExchangeRequest{
		SubjectToken: subjectToken,
		ActorToken:   actorToken,
	})
	if err != nil {
		return "", fmt.Errorf("delegation exchange as %s: %w", actorName, err)
	}
	delegated := issuedToken(resp)
	if delegated == "" {
		return "", fmt.Errorf("delegation exchange as %s was refused: %s",
			actorName, classify.Describe(resp.Status, resp.Body))
	}

	setup.Tokens["delegated"] = delegated
	tc.Log("obtained delegated token for %s on behalf of %s", actorName, subjectName)
	return delegated, nil
}

// subjectSub records the sub claim of a token into metadata under key.
func recordSub(setup *SetupResult, key, token string) {
	if cl, ok := claims(token); ok {
		setup.Metadata[key] = claimString(cl, "sub")
	}
}
