package plugins

import "github.com/lokisec/loki/pkg/mischief"

// All returns the full built-in catalogue in its declared order:
// token-signing, token-claims, response, discovery.
func All() []*mischief.Plugin {
	return []*mischief.Plugin{
		// token-signing
		AlgNone(),
		KeyConfusion(),
		KidManipulation(),
		TokenTypeConfusion(),

		// token-claims
		IssuerConfusion(),
		AudienceConfusion(),
		SubjectManipulation(),
		TemporalTampering(),
		NonceBypass(),
		StateBypass(),
		ScopeInjection(),
		PKCEDowngrade(),

		// response
		LatencyInjection(),

		// discovery
		DiscoveryConfusion(),
		JWKSInjection(),
	}
}

// NewRegistry builds a registry pre-loaded with the built-in catalogue,
// dropping any ids named in disabled.
func NewRegistry(disabled ...string) (*mischief.Registry, error) {
	r := mischief.NewRegistry(disabled...)
	if err := r.RegisterAll(All()); err != nil {
		return nil, err
	}
	return r, nil
}
