// Package ledger defines the append-only audit records produced by the
// mischief engine, the derived per-session ledger document, and the durable
// store contract behind both.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lokisec/loki/pkg/mischief"
	"github.com/lokisec/loki/pkg/session"
)

// DocumentVersion is the ledger document format version.
const DocumentVersion = "1.0.0"

// ErrNotFound is returned by stores for unknown session ids.
var ErrNotFound = errors.New("session not found in ledger store")

// PluginSnapshot captures plugin identity at application time, so ledger
// entries stay meaningful if the catalogue changes.
type PluginSnapshot struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Severity mischief.Severity `json:"severity"`
}

// SpecSnapshot captures the specification clause the mutation violated.
type SpecSnapshot struct {
	RFC         string `json:"rfc,omitempty"`
	OIDC        string `json:"oidc,omitempty"`
	CWE         string `json:"cwe,omitempty"`
	Requirement string `json:"requirement"`
	Violation   string `json:"violation"`
}

// Entry records a single applied plugin mutation.
type Entry struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	RequestID string         `json:"requestId"`
	Timestamp time.Time      `json:"timestamp"`
	Plugin    PluginSnapshot `json:"plugin"`
	Spec      SpecSnapshot   `json:"spec"`
	Evidence  map[string]any `json:"evidence"`
}

// NewEntry builds an entry for an applied plugin result. The evidence map
// always carries the mutation summary.
func NewEntry(sessionID, requestID string, plugin *mischief.Plugin, result mischief.Result) Entry {
	evidence := result.Evidence
	if evidence == nil {
		evidence = map[string]any{}
	}
	evidence["mutation"] = result.Mutation

	return Entry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Plugin: PluginSnapshot{
			ID:       plugin.ID,
			Name:     plugin.Name,
			Severity: plugin.Severity,
		},
		Spec: SpecSnapshot{
			RFC:         plugin.Spec.RFC,
			OIDC:        plugin.Spec.OIDC,
			CWE:         plugin.Spec.CWE,
			Requirement: plugin.Spec.Description,
			Violation:   result.Mutation,
		},
		Evidence: evidence,
	}
}

// Meta is the metadata block of a ledger document.
type Meta struct {
	Version       string     `json:"version"`
	SessionID     string     `json:"sessionId"`
	SessionName   string     `json:"sessionName,omitempty"`
	Mode          string     `json:"mode"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	EngineVersion string     `json:"engineVersion"`
}

// Summary aggregates a session's entries.
type Summary struct {
	Requests           int            `json:"requests"`
	TotalMischief      int            `json:"totalMischief"`
	MischiefByPlugin   map[string]int `json:"mischiefByPlugin"`
	MischiefBySeverity map[string]int `json:"mischiefBySeverity"`
}

// Document is the externally exposed per-session ledger view.
type Document struct {
	Meta    Meta    `json:"meta"`
	Summary Summary `json:"summary"`
	Entries []Entry `json:"entries"`
}

// BuildDocument derives the ledger document for a session from its entries.
// The severity map always contains all four labels, zero when absent.
func BuildDocument(rec session.Record, entries []Entry, engineVersion string) Document {
	byPlugin := make(map[string]int)
	bySeverity := make(map[string]int, len(mischief.Severities))
	for _, sev := range mischief.Severities {
		bySeverity[string(sev)] = 0
	}

	requests := make(map[string]struct{})
	for _, e := range entries {
		byPlugin[e.Plugin.ID]++
		bySeverity[string(e.Plugin.Severity)]++
		if e.RequestID != "" {
			requests[e.RequestID] = struct{}{}
		}
	}

	return Document{
		Meta: Meta{
			Version:       DocumentVersion,
			SessionID:     rec.ID,
			SessionName:   rec.Name,
			Mode:          string(rec.Mode),
			StartedAt:     rec.StartedAt,
			EndedAt:       rec.EndedAt,
			EngineVersion: engineVersion,
		},
		Summary: Summary{
			Requests:           len(requests),
			TotalMischief:      len(entries),
			MischiefByPlugin:   byPlugin,
			MischiefBySeverity: bySeverity,
		},
		Entries: entries,
	}
}

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=ledger.go Store

// Store is the durable audit substrate. Implementations must survive process
// restarts, preserve per-session entry insertion order under concurrent
// writers, and cascade entry deletion when a session is deleted.
type Store interface {
	// SaveSession upserts a session record.
	SaveSession(ctx context.Context, rec session.Record) error
	// LoadSession retrieves one session record.
	LoadSession(ctx context.Context, id string) (session.Record, error)
	// LoadAllSessions returns sessions in descending start-time order.
	LoadAllSessions(ctx context.Context) ([]session.Record, error)
	// DeleteSession removes a session and all its entries atomically.
	DeleteSession(ctx context.Context, id string) error
	// PurgeAll removes every session and entry.
	PurgeAll(ctx context.Context) error
	// SaveEntry appends one ledger entry.
	SaveEntry(ctx context.Context, entry Entry) error
	// LoadEntries returns a session's entries in ascending timestamp order.
	LoadEntries(ctx context.Context, sessionID string) ([]Entry, error)
	// Close releases any resources held by the store.
	Close() error
}
