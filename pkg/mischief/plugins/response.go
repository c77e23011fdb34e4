package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/lokisec/loki/pkg/mischief"
)

// defaultLatencyMillis is the delay applied when the session supplies no
// delay_ms option.
const defaultLatencyMillis = 5000

// LatencyInjection suspends the response for a configurable duration,
// exercising client-side timeout and retry behavior.
func LatencyInjection() *mischief.Plugin {
	return &mischief.Plugin{
		ID:          "latency-injection",
		Name:        "Latency Injection",
		Description: "Delays the response by a configurable number of milliseconds",
		Severity:    mischief.SeverityLow,
		Phase:       mischief.PhaseResponse,
		Spec: mischief.SpecRef{
			CWE:         "CWE-400",
			Description: "Clients should bound token endpoint calls with their own timeouts",
		},
		Apply: func(ctx context.Context, mc mischief.Context) (mischief.Result, error) {
			rc, ok := responseCtx(mc)
			if !ok {
				return mischief.Skipped("no response in context"), nil
			}
			if rc.Delay == nil {
				return mischief.Skipped("no delay capability wired"), nil
			}

			millis := intOpt(mc, "delay_ms", defaultLatencyMillis)
			if err := rc.Delay(ctx, time.Duration(millis)*time.Millisecond); err != nil {
				return mischief.Result{}, err
			}

			return applied(fmt.Sprintf("delayed response by %dms", millis), map[string]any{
				"delay_ms": millis,
			}), nil
		},
	}
}
