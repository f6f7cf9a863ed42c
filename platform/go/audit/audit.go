// Package audit appends personal-data access records to the audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
)

// Actions recorded by the reporting core.
const (
	ActionExportPersons     = "export_persons"
	ActionSuperViewerExport = "superviewer_export"
)

type Entry struct {
	PrincipalID string
	Action      string
	TargetKind  string
	TargetID    string
	Payload     any
}

// Logger writes entries. Rows are never updated or deleted.
type Logger struct{}

func (Logger) Log(ctx context.Context, q persistence.Querier, e Entry) error {
	if e.PrincipalID == "" || e.Action == "" {
		return fmt.Errorf("audit entry requires principal and action")
	}
	payload := []byte("{}")
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode audit payload: %w", err)
		}
		payload = b
	}

	_, err := q.Exec(ctx, `
INSERT INTO audit_log (principal_id, action, target_kind, target_id, payload)
VALUES ($1, $2, $3, $4, $5::jsonb)`,
		e.PrincipalID, e.Action, e.TargetKind, e.TargetID, string(payload))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// PersonRef identifies one person that appeared in an export.
type PersonRef struct {
	ID  int64  `json:"id"`
	OID string `json:"oid,omitempty"`
}

// PersonSet collects the distinct persons seen while writing a report. Safe for concurrent use.
type PersonSet struct {
	mu   sync.Mutex
	refs map[int64]string
}

func (s *PersonSet) Add(id int64, oid string) {
	if id == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == nil {
		s.refs = make(map[int64]string)
	}
	if prev, ok := s.refs[id]; !ok || prev == "" {
		s.refs[id] = oid
	}
}

func (s *PersonSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

// Refs returns the collected persons ordered by id.
func (s *PersonSet) Refs() []PersonRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PersonRef, 0, len(s.refs))
	for id, oid := range s.refs {
		out = append(out, PersonRef{ID: id, OID: oid})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
