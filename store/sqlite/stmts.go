package sqlite

import (
	"context"
	"fmt"
)

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error

	const sqlInsertSession = `
		INSERT INTO sessions (id, switch_type, interval_ms, ports, started_at)
		VALUES (?, ?, ?, ?, ?)`
	if s.stmtInsertSession, err = s.db.PrepareContext(ctx, sqlInsertSession); err != nil {
		return fmt.Errorf("prepare InsertSession: %w", err)
	}

	const sqlStopSession = "UPDATE sessions SET stopped_at = ? WHERE id = ?"
	if s.stmtStopSession, err = s.db.PrepareContext(ctx, sqlStopSession); err != nil {
		return fmt.Errorf("prepare StopSession: %w", err)
	}

	const sqlGetSession = `
		SELECT id, switch_type, interval_ms, ports, started_at, stopped_at
		FROM sessions WHERE id = ?`
	if s.stmtGetSession, err = s.db.PrepareContext(ctx, sqlGetSession); err != nil {
		return fmt.Errorf("prepare GetSession: %w", err)
	}

	const sqlListSessions = `
		SELECT id, switch_type, interval_ms, ports, started_at, stopped_at
		FROM sessions ORDER BY started_at DESC, id LIMIT ?`
	if s.stmtListSessions, err = s.db.PrepareContext(ctx, sqlListSessions); err != nil {
		return fmt.Errorf("prepare ListSessions: %w", err)
	}

	const sqlInsertPortStats = `
		INSERT INTO port_stats
		(session_id, port_id, group_id, link_switch_id, next_seq, pending,
		 tx, rx, dropped, invalid_payload, no_pending)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.stmtInsertPortStats, err = s.db.PrepareContext(ctx, sqlInsertPortStats); err != nil {
		return fmt.Errorf("prepare InsertPortStats: %w", err)
	}

	const sqlListPortStats = `
		SELECT port_id, group_id, link_switch_id, next_seq, pending,
		       tx, rx, dropped, invalid_payload, no_pending
		FROM port_stats WHERE session_id = ? ORDER BY port_id`
	if s.stmtListPortStats, err = s.db.PrepareContext(ctx, sqlListPortStats); err != nil {
		return fmt.Errorf("prepare ListPortStats: %w", err)
	}

	const sqlPruneSessions = `
		DELETE FROM sessions
		WHERE stopped_at IS NOT NULL
		  AND id NOT IN (
		    SELECT id FROM sessions WHERE stopped_at IS NOT NULL
		    ORDER BY started_at DESC LIMIT ?)`
	if s.stmtPruneSessions, err = s.db.PrepareContext(ctx, sqlPruneSessions); err != nil {
		return fmt.Errorf("prepare PruneSessions: %w", err)
	}

	return nil
}
