package attacks

// Catalogue returns the fixed, ordered test list. The baseline runs first;
// everything after it assumes the target supports legitimate delegation.
func Catalogue() []*Test {
	return []*Test{
		validDelegation(),

		// Splice and chain-integrity attacks.
		basicSplice(),
		actorClientMismatch(),
		audSubBinding(),
		upstreamSplice(),
		subjectActorSwap(),
		delegationImpersonationConfusion(),
		circularDelegation(),
		chainDepthExhaustion(),

		// Token-type and authentication attacks.
		tokenTypeMismatch(),
		unauthenticatedExchange(),
		tokenTypeEscalation(),

		// Audience, resource and scope attacks.
		audienceTargeting(),
		resourceAbuse(),
		multiAudience(),
		scopeEscalation(),

		// act / may_act semantics.
		actClaimStripping(),
		mayActEnforcement(),

		// Lifecycle attacks.
		refreshBypass(),
		revocationPropagation(),

		// Output validation of successful exchanges.
		issuedTokenTypeValidation(),
		missingAud(),
		downstreamAudVerification(),
		tokenLifetimeReduction(),
		actSubVerification(),
		actNestingIntegrity(),
	}
}
