package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aixgo-dev/ophthalmocapture/pkg/config"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func rec(sessionID, itemID string, action Action, offset time.Duration, summary string) *Record {
	return NewRecord(sessionID, itemID, action, "dr.test", baseTime.Add(offset), summary)
}

// runSinkSuite exercises the behavior every queryable sink shares.
func runSinkSuite(t *testing.T, newSink func(t *testing.T) Sink) {
	t.Run("append and query in order", func(t *testing.T) {
		sink := newSink(t)
		ctx := context.Background()

		want := []*Record{
			rec("s1", "a", ActionIngested, 0, FormatSummary("filename", "a.jpg")),
			rec("s1", "a", ActionLabeled, time.Second, FormatSummary("label", "cataract")),
			rec("s1", "a", ActionLabeled, 2*time.Second, FormatSummary("label", "cataract")),
		}
		for _, r := range want {
			require.NoError(t, sink.Append(ctx, r))
		}
		require.NoError(t, sink.Append(ctx, rec("s2", "b", ActionIngested, 0, "")))

		got, err := sink.Query(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].ID, got[i].ID)
			assert.Equal(t, want[i].Action, got[i].Action)
			assert.Equal(t, want[i].ItemID, got[i].ItemID)
			assert.Equal(t, want[i].Actor, got[i].Actor)
			assert.Equal(t, want[i].Summary, got[i].Summary)
			assert.True(t, want[i].Timestamp.Equal(got[i].Timestamp))
		}
	})

	t.Run("unknown session is empty", func(t *testing.T) {
		sink := newSink(t)
		got, err := sink.Query(context.Background(), "missing")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("rejects invalid record", func(t *testing.T) {
		sink := newSink(t)
		bad := rec("s1", "a", Action("deleted"), 0, "")
		err := sink.Append(context.Background(), bad)
		assert.ErrorIs(t, err, ErrInvalidRecord)

		traversal := rec("../etc", "a", ActionIngested, 0, "")
		assert.ErrorIs(t, sink.Append(context.Background(), traversal), ErrInvalidRecord)
	})

	t.Run("lists sessions", func(t *testing.T) {
		sink := newSink(t)
		lister, ok := sink.(SessionLister)
		if !ok {
			t.Skip("sink does not list sessions")
		}
		ctx := context.Background()
		require.NoError(t, sink.Append(ctx, rec("beta", "", ActionSessionFinalized, 0, "")))
		require.NoError(t, sink.Append(ctx, rec("alpha", "x", ActionIngested, 0, "")))
		require.NoError(t, sink.Append(ctx, rec("alpha", "x", ActionRemoved, time.Second, "")))

		ids, err := lister.Sessions(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta"}, ids)
	})

	t.Run("concurrent appends", func(t *testing.T) {
		sink := newSink(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, sink.Append(ctx, rec("conc", "", ActionExported, time.Duration(i), "")))
			}(i)
		}
		wg.Wait()

		got, err := sink.Query(ctx, "conc")
		require.NoError(t, err)
		assert.Len(t, got, 20)
	})

	t.Run("closed sink", func(t *testing.T) {
		sink := newSink(t)
		require.NoError(t, sink.Close())
		err := sink.Append(context.Background(), rec("s1", "", ActionIngested, 0, ""))
		assert.ErrorIs(t, err, ErrSinkClosed)
	})
}

func TestMemorySink(t *testing.T) {
	runSinkSuite(t, func(t *testing.T) Sink { return NewMemorySink() })
}

func TestFileSink(t *testing.T) {
	runSinkSuite(t, func(t *testing.T) Sink {
		sink, err := NewFileSink(t.TempDir())
		require.NoError(t, err)
		return sink
	})
}

func TestFileSink_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileSink(dir)
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, rec("s1", "a", ActionIngested, 0, "")))
	require.NoError(t, first.Close())

	second, err := NewFileSink(dir)
	require.NoError(t, err)
	got, err := second.Query(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ActionIngested, got[0].Action)

	info, err := os.Stat(filepath.Join(dir, "s1.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileSink_QueryRejectsTraversal(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	_, err = sink.Query(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidPathComponent)
}

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisSink) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink := NewRedisSinkFromClient(client, "test:")

	t.Cleanup(func() {
		_ = sink.Close()
	})
	return mr, sink
}

func TestRedisSink(t *testing.T) {
	runSinkSuite(t, func(t *testing.T) Sink {
		_, sink := setupMiniredis(t)
		return sink
	})
}

func TestRedisSink_KeyLayout(t *testing.T) {
	mr, sink := setupMiniredis(t)
	ctx := context.Background()

	require.NoError(t, sink.Append(ctx, rec("s1", "a", ActionIngested, 0, "")))

	items, err := mr.List("test:records:s1")
	require.NoError(t, err)
	assert.Len(t, items, 1)
	ok, err := mr.SIsMember("test:sessions", "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, sink.Ping(ctx))
}

func TestRedisSink_ServerDown(t *testing.T) {
	mr, sink := setupMiniredis(t)
	mr.Close()

	err := sink.Append(context.Background(), rec("s1", "a", ActionIngested, 0, ""))
	assert.ErrorIs(t, err, ErrIOFailure)
}

func TestNewRedisSink_RequiresAddr(t *testing.T) {
	_, err := NewRedisSink(RedisConfig{})
	assert.Error(t, err)
}

func TestBadgerSink(t *testing.T) {
	runSinkSuite(t, func(t *testing.T) Sink {
		sink, err := NewBadgerSink(BadgerConfig{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = sink.Close() })
		return sink
	})
}

func TestBadgerSink_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewBadgerSink(BadgerConfig{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, rec("s1", "a", ActionIngested, 0, "")))
	require.NoError(t, first.Append(ctx, rec("s1", "a", ActionLabeled, time.Second, "label=no_cataract")))
	require.NoError(t, first.Close())

	second, err := NewBadgerSink(BadgerConfig{Dir: dir})
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	require.NoError(t, second.Append(ctx, rec("s1", "a", ActionExported, 2*time.Second, "")))
	got, err := second.Query(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []Action{ActionIngested, ActionLabeled, ActionExported},
		[]Action{got[0].Action, got[1].Action, got[2].Action})
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)
	ctx := context.Background()

	require.NoError(t, sink.Append(ctx, rec("s1", "a", ActionIngested, 0, "filename=a.png")))
	require.NoError(t, sink.Append(ctx, rec("s1", "a", ActionLabeled, time.Second, "label=cataract")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var got Record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &got))
	assert.Equal(t, ActionLabeled, got.Action)
	assert.Equal(t, "label=cataract", got.Summary)

	_, err := sink.Query(ctx, "s1")
	assert.ErrorIs(t, err, ErrQueryUnsupported)
}

type failingSink struct{ MemorySink }

func (f *failingSink) Append(context.Context, *Record) error {
	return ErrIOFailure
}

func TestFanout(t *testing.T) {
	ctx := context.Background()
	primary := NewMemorySink()
	var buf bytes.Buffer
	f := NewFanout(primary, NewWriterSink(&buf))

	require.NoError(t, f.Append(ctx, rec("s1", "a", ActionIngested, 0, "")))
	got, err := f.Query(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.NotEmpty(t, buf.String())

	ids, err := f.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)

	t.Run("mirror failure still writes primary", func(t *testing.T) {
		primary := NewMemorySink()
		f := NewFanout(primary, &failingSink{})
		err := f.Append(ctx, rec("s1", "a", ActionIngested, 0, ""))
		assert.True(t, errors.Is(err, ErrIOFailure))
		assert.Len(t, primary.Records(), 1)
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		sink, err := Open(ctx, auditConfig("memory"), nil)
		require.NoError(t, err)
		assert.IsType(t, &MemorySink{}, sink)
	})

	t.Run("file with stdout mirror", func(t *testing.T) {
		cfg := auditConfig("file")
		cfg.File.Dir = t.TempDir()
		cfg.Mirrors = []string{"stdout"}
		sink, err := Open(ctx, cfg, nil)
		require.NoError(t, err)
		assert.IsType(t, &Fanout{}, sink)
		require.NoError(t, sink.Close())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := Open(ctx, auditConfig("s3"), nil)
		assert.Error(t, err)
	})
}

func auditConfig(backend string) config.AuditConfig {
	return config.AuditConfig{Backend: backend}
}
