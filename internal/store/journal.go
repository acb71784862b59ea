package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Transition is one journal row.
type Transition struct {
	Seq       int64     `json:"seq"`
	RequestID string    `json:"request_id"`
	Target    string    `json:"target"`
	Artifact  string    `json:"artifact"`
	Name      string    `json:"name,omitempty"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Filter narrows ListTransitions. Empty fields match everything.
type Filter struct {
	Target    string
	RequestID string
	Limit     int
}

// AppendTransition writes a transition.
func (s *Store) AppendTransition(ctx context.Context, t Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (seq, request_id, target, artifact, name, state, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.Seq,
		t.RequestID,
		t.Target,
		t.Artifact,
		t.Name,
		t.State,
		t.Detail,
		t.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

// ListTransitions returns matching transitions ordered by seq.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ListTransitions(ctx context.Context, f Filter) ([]Transition, error) {
	var (
		where []string
		args  []any
	)
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, f.Target)
	}
	if f.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, f.RequestID)
	}

	query := `SELECT seq, request_id, target, artifact, name, state, detail, at FROM transitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []Transition{}
	for rows.Next() {
		var (
			t  Transition
			at string
		)
		if err := rows.Scan(&t.Seq, &t.RequestID, &t.Target, &t.Artifact, &t.Name, &t.State, &t.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse transition time %q: %w", at, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// MaxSeq returns the highest seq written, or 0 for an empty journal.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM transitions`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq, nil
}
