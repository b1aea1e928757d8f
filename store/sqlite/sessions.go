package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/frobware/go-fabricmon"
)

// SessionStarted records a new running session.
func (s *Store) SessionStarted(ctx context.Context, sess fabricmon.Session) error {
	_, err := s.stmtInsertSession.ExecContext(ctx,
		sess.ID,
		sess.SwitchType.String(),
		sess.Interval.Milliseconds(),
		sess.Ports,
		sess.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	s.logger.Debug("session started", "session", sess.ID, "ports", sess.Ports)
	return nil
}

// SessionStopped records the stop time and final port counters of a
// session in one transaction, then prunes old sessions.
func (s *Store) SessionStopped(ctx context.Context, sess fabricmon.Session, ports []fabricmon.PortSnapshot) error {
	stopped := time.Now()
	if sess.StoppedAt != nil {
		stopped = *sess.StoppedAt
	}

	return s.RunInTransaction(ctx, func(tx *Store) error {
		res, err := tx.stmtStopSession.ExecContext(ctx, stopped.UnixNano(), sess.ID)
		if err != nil {
			return fmt.Errorf("stop session %s: %w", sess.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fabricmon.ErrSessionNotFound{ID: sess.ID}
		}

		for _, p := range ports {
			var linkID sql.NullInt64
			if p.LinkSwitchID != nil {
				linkID = sql.NullInt64{Int64: int64(*p.LinkSwitchID), Valid: true}
			}
			_, err := tx.stmtInsertPortStats.ExecContext(ctx,
				sess.ID,
				int64(p.Port),
				int64(p.Group),
				linkID,
				int64(p.NextSequenceNumber),
				int64(p.PendingCount),
				int64(p.Stats.TxCount),
				int64(p.Stats.RxCount),
				int64(p.Stats.DroppedCount),
				int64(p.Stats.InvalidPayloadCount),
				int64(p.Stats.NoPendingSeqNumCount))
			if err != nil {
				return fmt.Errorf("insert stats for port %d: %w", p.Port, err)
			}
		}

		if tx.keep > 0 {
			if _, err := tx.Prune(ctx, tx.keep); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSession returns one session.
func (s *Store) GetSession(ctx context.Context, id string) (fabricmon.Session, error) {
	sess, err := scanSession(s.stmtGetSession.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fabricmon.Session{}, fabricmon.ErrSessionNotFound{ID: id}
	}
	if err != nil {
		return fabricmon.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns up to limit sessions, newest first. A limit of
// zero or less returns all sessions.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]fabricmon.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.stmtListSessions.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []fabricmon.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetSessionStats returns the final port counters of a stopped
// session in port order.
func (s *Store) GetSessionStats(ctx context.Context, id string) ([]fabricmon.PortSnapshot, error) {
	if _, err := s.GetSession(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.stmtListPortStats.QueryContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list port stats for %s: %w", id, err)
	}
	defer rows.Close()

	var out []fabricmon.PortSnapshot
	for rows.Next() {
		var (
			p                                   fabricmon.PortSnapshot
			port, group, next, pending          int64
			tx, rx, dropped, invalid, noPending int64
			linkID                              sql.NullInt64
		)
		if err := rows.Scan(&port, &group, &linkID, &next, &pending,
			&tx, &rx, &dropped, &invalid, &noPending); err != nil {
			return nil, fmt.Errorf("scan port stats: %w", err)
		}
		p.Port = fabricmon.PortID(port)
		p.Group = fabricmon.GroupID(group)
		if linkID.Valid {
			id := fabricmon.SwitchID(linkID.Int64)
			p.LinkSwitchID = &id
		}
		p.NextSequenceNumber = uint64(next)
		p.PendingCount = uint64(pending)
		p.Stats = fabricmon.PortStats{
			TxCount:              uint64(tx),
			RxCount:              uint64(rx),
			DroppedCount:         uint64(dropped),
			InvalidPayloadCount:  uint64(invalid),
			NoPendingSeqNumCount: uint64(noPending),
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Prune deletes all but the keep most recent stopped sessions and
// returns how many were deleted. Running sessions are never pruned.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	res, err := s.stmtPruneSessions.ExecContext(ctx, keep)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned session history", "deleted", n, "kept", keep)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (fabricmon.Session, error) {
	var (
		sess       fabricmon.Session
		switchType string
		intervalMS int64
		startedAt  int64
		stoppedAt  sql.NullInt64
	)
	if err := row.Scan(&sess.ID, &switchType, &intervalMS, &sess.Ports, &startedAt, &stoppedAt); err != nil {
		return fabricmon.Session{}, err
	}
	st, err := fabricmon.ParseSwitchType(switchType)
	if err != nil {
		return fabricmon.Session{}, err
	}
	sess.SwitchType = st
	sess.Interval = time.Duration(intervalMS) * time.Millisecond
	sess.StartedAt = time.Unix(0, startedAt)
	if stoppedAt.Valid {
		t := time.Unix(0, stoppedAt.Int64)
		sess.StoppedAt = &t
	}
	return sess, nil
}
