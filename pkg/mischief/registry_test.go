package mischief

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlugin(id string, phase Phase, severity Severity) *Plugin {
	return &Plugin{
		ID:          id,
		Name:        "Test " + id,
		Description: "test plugin " + id,
		Severity:    severity,
		Phase:       phase,
		Spec:        SpecRef{Description: "test requirement"},
		Apply: func(_ context.Context, _ Context) (Result, error) {
			return Result{Applied: true}, nil
		},
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(testPlugin("a", PhaseTokenSigning, SeverityCritical)))
	require.NoError(t, r.Register(testPlugin("b", PhaseTokenClaims, SeverityHigh)))
	require.NoError(t, r.Register(testPlugin("c", PhaseTokenSigning, SeverityHigh)))

	p, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, "b", p.ID)

	_, ok = r.Get("nope")
	assert.False(t, ok)

	ids := func(plugins []*Plugin) []string {
		out := make([]string, len(plugins))
		for i, p := range plugins {
			out[i] = p.ID
		}
		return out
	}

	assert.Equal(t, []string{"a", "b", "c"}, ids(r.List()), "registration order is preserved")
	assert.Equal(t, []string{"a", "c"}, ids(r.ListByPhase(PhaseTokenSigning)))
	assert.Equal(t, []string{"b", "c"}, ids(r.ListBySeverity(SeverityHigh)))
	assert.Empty(t, r.ListByPhase(PhaseDiscovery))
}

func TestRegistry_DuplicateID(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(testPlugin("dup", PhaseResponse, SeverityLow)))
	err := r.Register(testPlugin("dup", PhaseResponse, SeverityLow))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestRegistry_DisabledIDsSilentlyDropped(t *testing.T) {
	t.Parallel()

	r := NewRegistry("banned")
	require.NoError(t, r.Register(testPlugin("banned", PhaseResponse, SeverityLow)))
	require.NoError(t, r.Register(testPlugin("allowed", PhaseResponse, SeverityLow)))

	_, ok := r.Get("banned")
	assert.False(t, ok)
	_, ok = r.Get("allowed")
	assert.True(t, ok)
	assert.Len(t, r.List(), 1)
}

func TestRegistry_Unregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(testPlugin("x", PhaseResponse, SeverityLow)))
	require.NoError(t, r.Register(testPlugin("y", PhaseResponse, SeverityLow)))

	r.Unregister("x")
	r.Unregister("never-existed")

	_, ok := r.Get("x")
	assert.False(t, ok)
	assert.Len(t, r.List(), 1)
	assert.Equal(t, "y", r.List()[0].ID)
}

func TestRegistry_Validation(t *testing.T) {
	t.Parallel()

	base := func() *Plugin { return testPlugin("ok", PhaseResponse, SeverityLow) }

	tests := []struct {
		name   string
		mutate func(*Plugin)
	}{
		{name: "missing id", mutate: func(p *Plugin) { p.ID = "" }},
		{name: "missing name", mutate: func(p *Plugin) { p.Name = "" }},
		{name: "missing description", mutate: func(p *Plugin) { p.Description = "" }},
		{name: "bad severity", mutate: func(p *Plugin) { p.Severity = "catastrophic" }},
		{name: "bad phase", mutate: func(p *Plugin) { p.Phase = "prelude" }},
		{name: "missing apply", mutate: func(p *Plugin) { p.Apply = nil }},
		{name: "missing spec description", mutate: func(p *Plugin) { p.Spec = SpecRef{RFC: "RFC 0000"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := base()
			tt.mutate(p)
			assert.ErrorIs(t, NewRegistry().Register(p), ErrInvalidPlugin)
		})
	}

	assert.ErrorIs(t, NewRegistry().Register(nil), ErrInvalidPlugin)
}
