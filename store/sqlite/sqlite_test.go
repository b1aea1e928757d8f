package sqlite_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/store/sqlite"
)

func testLogger() *slog.Logger {
	if os.Getenv("FABRICMON_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.NewInMemory(context.Background(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func session(id string, started time.Time) fabricmon.Session {
	return fabricmon.Session{
		ID:         id,
		SwitchType: fabricmon.SwitchTypeFabric,
		Interval:   250 * time.Millisecond,
		Ports:      2,
		StartedAt:  started,
	}
}

func linkID(v fabricmon.SwitchID) *fabricmon.SwitchID { return &v }

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	start := time.Unix(1700000000, 123456789)

	require.NoError(t, s.SessionStarted(ctx, session("a", start)))

	got, err := s.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
	assert.Equal(t, fabricmon.SwitchTypeFabric, got.SwitchType)
	assert.Equal(t, 250*time.Millisecond, got.Interval)
	assert.Equal(t, 2, got.Ports)
	assert.True(t, start.Equal(got.StartedAt))
	assert.Nil(t, got.StoppedAt)

	stopped := start.Add(time.Minute)
	sess := session("a", start)
	sess.StoppedAt = &stopped
	ports := []fabricmon.PortSnapshot{
		{
			Port: 9, Group: 1, LinkSwitchID: linkID(4097), NextSequenceNumber: 61, PendingCount: 1,
			Stats: fabricmon.PortStats{TxCount: 60, RxCount: 55, DroppedCount: 4, InvalidPayloadCount: 1, NoPendingSeqNumCount: 2},
		},
		{Port: 3, Group: 0, NextSequenceNumber: 61, Stats: fabricmon.PortStats{TxCount: 60, RxCount: 60}},
	}
	require.NoError(t, s.SessionStopped(ctx, sess, ports))

	got, err = s.GetSession(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got.StoppedAt)
	assert.True(t, stopped.Equal(*got.StoppedAt))

	stats, err := s.GetSessionStats(ctx, "a")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, ports[1], stats[0])
	assert.Equal(t, ports[0], stats[1])
}

func TestSessionStoppedUnknownSessionRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.SessionStopped(ctx, session("ghost", time.Now()), []fabricmon.PortSnapshot{{Port: 1}})
	var notFound fabricmon.ErrSessionNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ghost", notFound.ID)

	_, err = s.GetSessionStats(ctx, "ghost")
	assert.ErrorAs(t, err, &notFound)
}

func TestSessionStoppedDuplicatePortRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.SessionStarted(ctx, session("a", time.Now())))

	err := s.SessionStopped(ctx, session("a", time.Now()), []fabricmon.PortSnapshot{{Port: 1}, {Port: 1}})
	require.Error(t, err)

	got, err := s.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got.StoppedAt, "stop time committed despite failure")
	stats, err := s.GetSessionStats(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestDuplicateSessionID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.SessionStarted(ctx, session("a", time.Now())))
	assert.Error(t, s.SessionStarted(ctx, session("a", time.Now())))
}

func TestListSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	base := time.Unix(1700000000, 0)
	for i := range 5 {
		require.NoError(t, s.SessionStarted(ctx, session(fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Minute))))
	}

	all, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "s4", all[0].ID)
	assert.Equal(t, "s0", all[4].ID)

	two, err := s.ListSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, []string{"s4", "s3"}, []string{two[0].ID, two[1].ID})
}

func TestPruneKeepsRecentStoppedSessions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	base := time.Unix(1700000000, 0)

	for i := range 4 {
		sess := session(fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.SessionStarted(ctx, sess))
		require.NoError(t, s.SessionStopped(ctx, sess, []fabricmon.PortSnapshot{{Port: 1}}))
	}
	running := session("live", base.Add(-time.Hour))
	require.NoError(t, s.SessionStarted(ctx, running))

	n, err := s.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, sess := range all {
		ids[i] = sess.ID
	}
	assert.Equal(t, []string{"s3", "s2", "live"}, ids)

	// Port stats of pruned sessions go with them.
	_, err = s.GetSessionStats(ctx, "s0")
	var notFound fabricmon.ErrSessionNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestKeepSessionsPrunesOnStop(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.SetKeepSessions(1)
	base := time.Unix(1700000000, 0)

	for i := range 3 {
		sess := session(fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.SessionStarted(ctx, sess))
		require.NoError(t, s.SessionStopped(ctx, sess, nil))
	}

	all, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "s2", all[0].ID)
}

func TestRunInTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	errAbort := fmt.Errorf("abort")

	err := s.RunInTransaction(ctx, func(tx *sqlite.Store) error {
		if err := tx.SessionStarted(ctx, session("a", time.Now())); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	_, err = s.GetSession(ctx, "a")
	var notFound fabricmon.ErrSessionNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestNewOnDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db", "sessions.db")

	s, err := sqlite.New(ctx, path, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.SessionStarted(ctx, session("a", time.Now())))
	require.NoError(t, s.Close())

	s, err = sqlite.New(ctx, path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = s.GetSession(ctx, "a")
	assert.NoError(t, err)
}
