package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"aegiscdr/internal/config"
	"aegiscdr/internal/kv"
	"aegiscdr/internal/models"
	"aegiscdr/internal/redis"
)

func newTestStore(t *testing.T, backing kv.Store) *Store {
	s := New(backing, zaptest.NewLogger(t))
	s.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC) }
	return s
}

func TestAppendPrependsEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, kv.NewMemory())

	first := s.Append(ctx, models.ModuleAPI, models.LevelInfo, "first")
	second := s.Append(ctx, models.ModuleEngine, models.LevelError, "second")

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "2024-03-09 14:05:07", first.Timestamp)

	entries := s.Query(ctx)
	require.Len(t, entries, 2)
	assert.Equal(t, second, entries[0])
	assert.Equal(t, first, entries[1])
}

func TestAppendEvictsOldestBeyondCap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, kv.NewMemory())

	for i := 0; i < MaxEntries+1; i++ {
		s.Append(ctx, models.ModuleSystem, models.LevelInfo, fmt.Sprintf("entry %d", i))
	}

	entries := s.Query(ctx)
	require.Len(t, entries, MaxEntries)
	assert.Equal(t, fmt.Sprintf("entry %d", MaxEntries), entries[0].Message)
	assert.Equal(t, "entry 1", entries[MaxEntries-1].Message)
}

func TestClearIsIdempotentAndNotifies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, kv.NewMemory())
	s.Append(ctx, models.ModuleAPI, models.LevelInfo, "hello")

	updates, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.Clear(ctx))
	assert.Empty(t, s.Query(ctx))
	require.NoError(t, s.Clear(ctx))
	assert.Empty(t, s.Query(ctx))

	for i := 0; i < 2; i++ {
		select {
		case n := <-updates:
			assert.Equal(t, KindClear, n.Kind)
			assert.Nil(t, n.Entry)
		case <-time.After(time.Second):
			t.Fatalf("missing clear notification %d", i)
		}
	}
}

func TestSubscribeReceivesAppends(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, kv.NewMemory())

	updates, cancel := s.Subscribe()
	entry := s.Append(ctx, models.ModuleEngine, models.LevelWarn, "careful")

	select {
	case n := <-updates:
		assert.Equal(t, KindAppend, n.Kind)
		require.NotNil(t, n.Entry)
		assert.Equal(t, entry, *n.Entry)
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}

	cancel()
	cancel()
	_, open := <-updates
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlockAppend(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, kv.NewMemory())
	_, cancel := s.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*3; i++ {
			s.Append(ctx, models.ModuleStream, models.LevelInfo, "tick")
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("append blocked on an unread subscriber")
	}
}

func TestAppendSurvivesStorageFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, kv.WithQuota(kv.NewMemory(), 16))

	entry := s.Append(ctx, models.ModuleAPI, models.LevelSecurity, "blocked")
	assert.Equal(t, "blocked", entry.Message)
	assert.Empty(t, s.Query(ctx))
}

func TestQueryToleratesCorruptData(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	require.NoError(t, mem.Set(ctx, LogsKey, []byte("not json")))

	s := newTestStore(t, mem)
	assert.Empty(t, s.Query(ctx))

	s.Append(ctx, models.ModuleSystem, models.LevelInfo, "recovered")
	raw, err := mem.Get(ctx, LogsKey)
	require.NoError(t, err)
	var persisted []models.LogEntry
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Len(t, persisted, 1)
}

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed audit log tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client, err := redis.NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port}})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestFanOutRelaysRemoteUpdates(t *testing.T) {
	client := newRedisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := newTestStore(t, kv.NewMemory())
	remote := newTestStore(t, kv.NewMemory())
	require.NoError(t, local.EnableFanOut(ctx, client))
	require.NoError(t, remote.EnableFanOut(ctx, client))

	updates, unsubscribe := local.Subscribe()
	defer unsubscribe()

	remote.Append(ctx, models.ModuleEngine, models.LevelInfo, "from elsewhere")
	select {
	case n := <-updates:
		assert.Equal(t, KindAppend, n.Kind)
		assert.Equal(t, "from elsewhere", n.Entry.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("remote update not relayed")
	}

	// local appends reach local subscribers once, not again through redis
	local.Append(ctx, models.ModuleAPI, models.LevelInfo, "mine")
	assert.Equal(t, "mine", (<-updates).Entry.Message)
	select {
	case n := <-updates:
		t.Fatalf("unexpected echo %+v", n)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestFanOutEnabledWhileAppending(t *testing.T) {
	client := newRedisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := newTestStore(t, kv.NewMemory())
	remote := newTestStore(t, kv.NewMemory())
	require.NoError(t, remote.EnableFanOut(ctx, client))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				local.Append(ctx, models.ModuleStream, models.LevelInfo, "busy")
			}
		}()
	}
	require.NoError(t, local.EnableFanOut(ctx, client))
	wg.Wait()

	updates, unsubscribe := remote.Subscribe()
	defer unsubscribe()
	local.Append(ctx, models.ModuleEngine, models.LevelInfo, "after enable")
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-updates:
			if n.Entry != nil && n.Entry.Message == "after enable" {
				return
			}
		case <-deadline:
			t.Fatal("append made after enabling fan-out was not relayed")
		}
	}
}
