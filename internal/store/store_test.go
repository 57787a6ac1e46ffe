package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"edge-sync/internal/entity"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dashboardRecord(id uuid.UUID, title string, seq int64) Record {
	return Record{
		Ref:       entity.NewRef(entity.KindDashboard, id),
		Attrs:     entity.Dashboard{Title: title},
		Assigned:  entity.EmptyContainers(),
		Seq:       seq,
		UpdatedAt: time.Now(),
	}
}

// testStore runs the behaviour every backend must share.
func testStore(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		s := open(t)
		id := uuid.New()
		customer := entity.ContainerInfo{ID: uuid.New(), Title: "Customer A", Public: true}
		rec := dashboardRecord(id, "hello", 1)
		rec.Assigned = rec.Assigned.With(customer)

		written, err := s.Put(ctx, rec)
		require.NoError(t, err)
		assert.True(t, written)

		got, ok, err := s.Get(ctx, rec.Ref)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, entity.Dashboard{Title: "hello"}, got.Attrs)
		assert.Equal(t, entity.ContainerSet{customer}, got.Assigned)
		assert.Equal(t, int64(1), got.Seq)
	})

	t.Run("get missing", func(t *testing.T) {
		s := open(t)
		_, ok, err := s.Get(ctx, entity.NewRef(entity.KindAsset, uuid.New()))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("last write wins by sequence", func(t *testing.T) {
		s := open(t)
		id := uuid.New()

		_, err := s.Put(ctx, dashboardRecord(id, "new", 5))
		require.NoError(t, err)

		written, err := s.Put(ctx, dashboardRecord(id, "old", 3))
		require.NoError(t, err)
		assert.False(t, written)

		written, err = s.Put(ctx, dashboardRecord(id, "same", 5))
		require.NoError(t, err)
		assert.False(t, written)

		got, _, err := s.Get(ctx, entity.NewRef(entity.KindDashboard, id))
		require.NoError(t, err)
		assert.Equal(t, "new", got.Attrs.(entity.Dashboard).Title)
	})

	t.Run("absent and empty assignments stay distinct", func(t *testing.T) {
		s := open(t)
		absent := dashboardRecord(uuid.New(), "absent", 1)
		absent.Assigned = nil
		empty := dashboardRecord(uuid.New(), "empty", 1)

		_, err := s.Put(ctx, absent)
		require.NoError(t, err)
		_, err = s.Put(ctx, empty)
		require.NoError(t, err)

		got, _, err := s.Get(ctx, absent.Ref)
		require.NoError(t, err)
		assert.Nil(t, got.Assigned)

		got, _, err = s.Get(ctx, empty.Ref)
		require.NoError(t, err)
		assert.NotNil(t, got.Assigned)
		assert.Empty(t, got.Assigned)
	})

	t.Run("list skips tombstones", func(t *testing.T) {
		s := open(t)
		alive := dashboardRecord(uuid.New(), "alive", 1)
		gone := Record{Ref: entity.NewRef(entity.KindCustomer, uuid.New()), Seq: 2, Deleted: true, UpdatedAt: time.Now()}

		_, err := s.Put(ctx, alive)
		require.NoError(t, err)
		_, err = s.Put(ctx, gone)
		require.NoError(t, err)

		recs, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, alive.Ref, recs[0].Ref)

		tomb, ok, err := s.Get(ctx, gone.Ref)
		require.NoError(t, err)
		require.True(t, ok, "tombstones stay readable until purged")
		assert.True(t, tomb.Deleted)
	})

	t.Run("purge old tombstones", func(t *testing.T) {
		s := open(t)
		old := Record{Ref: entity.NewRef(entity.KindAsset, uuid.New()), Seq: 1, Deleted: true, UpdatedAt: time.Now().Add(-time.Hour)}
		recent := Record{Ref: entity.NewRef(entity.KindAsset, uuid.New()), Seq: 1, Deleted: true, UpdatedAt: time.Now()}
		live := dashboardRecord(uuid.New(), "live", 1)
		live.UpdatedAt = time.Now().Add(-time.Hour)

		for _, rec := range []Record{old, recent, live} {
			_, err := s.Put(ctx, rec)
			require.NoError(t, err)
		}

		removed, err := s.PurgeTombstones(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, ok, err := s.Get(ctx, old.Ref)
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.Get(ctx, recent.Ref)
		require.NoError(t, err)
		assert.True(t, ok)

		_, ok, err = s.Get(ctx, live.Ref)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("concurrent writes", func(t *testing.T) {
		s := open(t)
		id := uuid.New()

		var wg sync.WaitGroup
		for i := 1; i <= 20; i++ {
			wg.Add(1)
			go func(seq int64) {
				defer wg.Done()
				_, err := s.Put(ctx, dashboardRecord(id, "v", seq))
				assert.NoError(t, err)
			}(int64(i))
		}
		wg.Wait()

		got, ok, err := s.Get(ctx, entity.NewRef(entity.KindDashboard, id))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(20), got.Seq)
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})

	isNew, err := NewMemoryStore().IsNew(context.Background())
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestSQLiteStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "entities.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore_Generation(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "entities.db")

	first, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	isNew, err := first.IsNew(ctx)
	require.NoError(t, err)
	assert.True(t, isNew)

	rec := dashboardRecord(uuid.New(), "persisted", 9)
	_, err = first.Put(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// data written before a completed full sync does not count
	second, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	isNew, err = second.IsNew(ctx)
	require.NoError(t, err)
	assert.True(t, isNew, "partial content without a completed sync is still new")

	require.NoError(t, second.MarkSynced(ctx))
	require.NoError(t, second.MarkSynced(ctx))
	require.NoError(t, second.Close())

	third, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer third.Close()

	isNew, err = third.IsNew(ctx)
	require.NoError(t, err)
	assert.False(t, isNew, "reopen finds the prior generation")

	got, ok, err := third.Get(ctx, rec.Ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(9), got.Seq)
}

func TestSQLiteStore_ClosedIsUnreadable(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "entities.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.IsNew(context.Background())
	assert.Error(t, err)
}

// TestRedisStore requires a running Redis at REDIS_ADDR.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping Redis integration test: REDIS_ADDR not set")
	}

	testStore(t, func(t *testing.T) Store {
		client, err := ConnectRedis(addr)
		require.NoError(t, err)
		if err := client.Ping(context.Background()).Err(); err != nil {
			t.Skip("Skipping Redis integration test: redis not available")
		}

		prefix := "edge-sync-test:" + uuid.NewString()
		s, err := OpenRedis(context.Background(), client, prefix)
		require.NoError(t, err)
		t.Cleanup(func() {
			client.Del(context.Background(), prefix+":generation", prefix+":entities", prefix+":seq")
			_ = s.Close()
		})

		isNew, err := s.IsNew(context.Background())
		require.NoError(t, err)
		assert.True(t, isNew)
		return s
	})
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(context.Background(), Config{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), Config{Driver: "etcd"})
	assert.Error(t, err)
}
