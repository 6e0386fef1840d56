package syncer_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/earmark/internal/annotations"
	"github.com/basket/earmark/internal/bus"
	"github.com/basket/earmark/internal/otel"
	"github.com/basket/earmark/internal/persistence"
	"github.com/basket/earmark/internal/remote"
	"github.com/basket/earmark/internal/syncer"
)

// blockingStore wraps a remote store and holds Put until released. It lets a
// test pin one sync in flight while issuing more.
type blockingStore struct {
	remote.Store
	gate chan struct{} // closed to release
	puts atomic.Int64
}

func (b *blockingStore) Put(ctx context.Context, path string, data []byte) (string, error) {
	b.puts.Add(1)
	<-b.gate
	return b.Store.Put(ctx, path, data)
}

func newTestEngine(t *testing.T, rem remote.Store, rowCount int) (*syncer.Engine, *annotations.Store, *persistence.Store) {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "earmark.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := annotations.NewStore(db, nil, slog.Default())
	if err := store.Load(context.Background(), "w1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	eng := syncer.New(syncer.Options{
		Annotations: store,
		Remote:      rem,
		DB:          db,
		Logger:      slog.Default(),
		RowCount:    func(string) int { return rowCount },
	})
	return eng, store, db
}

func TestSyncTask_PushesTaskMap(t *testing.T) {
	dir := t.TempDir()
	rem, err := remote.NewDirStore(dir)
	if err != nil {
		t.Fatalf("dir store: %v", err)
	}
	eng, store, _ := newTestEngine(t, rem, 100)
	ctx := context.Background()

	rec := annotations.Record{Answer: "complete", Status: "complete", Recording: "u1"}
	if err := store.Update(ctx, "jeopardy", 3, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := eng.SyncTask(ctx, "jeopardy"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := rem.Get(ctx, "annotations/w1/jeopardy.json")
	if err != nil {
		t.Fatalf("remote get: %v", err)
	}
	var rows map[string]annotations.Record
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatalf("unmarshal synced payload: %v", err)
	}
	if rows["3"].Recording != "u1" {
		t.Fatalf("synced payload missing record: %s", data)
	}
}

func TestSyncTask_ConcurrentRequestsDropNotQueue(t *testing.T) {
	dir := t.TempDir()
	inner, err := remote.NewDirStore(dir)
	if err != nil {
		t.Fatalf("dir store: %v", err)
	}
	blocked := &blockingStore{Store: inner, gate: make(chan struct{})}
	eng, store, _ := newTestEngine(t, blocked, 100)
	ctx := context.Background()

	if err := store.Update(ctx, "jeopardy", 0, annotations.Record{Status: "recorded"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = eng.SyncTask(ctx, "jeopardy")
	}()

	// Wait for the first sync to reach the remote store, then issue five
	// more. All five must be dropped while the first is pinned in flight.
	deadline := time.After(2 * time.Second)
	for blocked.puts.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first sync never reached the remote store")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	for i := 0; i < 5; i++ {
		if err := eng.SyncTask(ctx, "jeopardy"); err != nil {
			t.Fatalf("dropped sync returned error: %v", err)
		}
	}

	close(blocked.gate)
	wg.Wait()

	if got := blocked.puts.Load(); got != 1 {
		t.Fatalf("expected exactly 1 remote write, got %d", got)
	}
}

func TestSyncTask_DisabledIsNoOp(t *testing.T) {
	dir := t.TempDir()
	rem, err := remote.NewDirStore(dir)
	if err != nil {
		t.Fatalf("dir store: %v", err)
	}
	db, err := persistence.Open(filepath.Join(t.TempDir(), "earmark.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := annotations.NewStore(db, nil, slog.Default())
	if err := store.Load(context.Background(), "w2"); err != nil {
		t.Fatalf("load: %v", err)
	}

	events := bus.New()
	skipped := events.Subscribe(bus.TopicSyncSkipped)
	eng := syncer.New(syncer.Options{
		Annotations: store,
		Remote:      rem,
		DB:          db,
		Bus:         events,
		Logger:      slog.Default(),
		Disabled:    func() bool { return true },
	})
	ctx := context.Background()

	if err := store.Update(ctx, "jeopardy", 0, annotations.Record{Status: "recorded"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := eng.SyncTask(ctx, "jeopardy"); err != nil {
		t.Fatalf("disabled sync should be a silent no-op: %v", err)
	}

	if _, err := rem.Get(ctx, "annotations/w2/jeopardy.json"); err == nil {
		t.Fatal("disabled sync wrote to the remote store")
	}
	select {
	case <-skipped.Ch():
	case <-time.After(time.Second):
		t.Fatal("expected a sync.skipped event")
	}
}

func TestMaybeBackup_SmallDatasetBacksUpEveryAnnotation(t *testing.T) {
	dir := t.TempDir()
	rem, err := remote.NewDirStore(dir)
	if err != nil {
		t.Fatalf("dir store: %v", err)
	}
	eng, store, db := newTestEngine(t, rem, 5) // threshold = max(1, 5/10) = 1
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	eng.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	ctx := context.Background()

	for row := 0; row < 3; row++ {
		if err := store.Update(ctx, "emotion", row, annotations.Record{Status: "complete"}); err != nil {
			t.Fatalf("update row %d: %v", row, err)
		}
		eng.MaybeBackup(ctx, "emotion")
	}

	backups, err := rem.List(ctx, "annotations/w1/backups/")
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("expected 3 backups for a 5-row dataset, got %d: %v", len(backups), backups)
	}

	// Counter persisted at the latest annotation count.
	raw, err := db.KVGet(ctx, "backup_count:emotion")
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if raw != "3" {
		t.Fatalf("backup counter = %q, want 3", raw)
	}
}

func TestMaybeBackup_ThresholdHoldsBackLargeDatasets(t *testing.T) {
	dir := t.TempDir()
	rem, err := remote.NewDirStore(dir)
	if err != nil {
		t.Fatalf("dir store: %v", err)
	}
	eng, store, _ := newTestEngine(t, rem, 100) // threshold = 10
	ctx := context.Background()

	for row := 0; row < 9; row++ {
		if err := store.Update(ctx, "jeopardy", row, annotations.Record{Status: "complete"}); err != nil {
			t.Fatalf("update row %d: %v", row, err)
		}
		eng.MaybeBackup(ctx, "jeopardy")
	}
	if names, _ := rem.List(ctx, "annotations/w1/backups/"); len(names) != 0 {
		t.Fatalf("backup taken before threshold: %v", names)
	}

	if err := store.Update(ctx, "jeopardy", 9, annotations.Record{Status: "complete"}); err != nil {
		t.Fatalf("update row 9: %v", err)
	}
	eng.MaybeBackup(ctx, "jeopardy")
	names, err := rem.List(ctx, "annotations/w1/backups/")
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("expected exactly 1 backup at count 10, got %v", names)
	}
}

func TestNextRunTime_InvalidExpression(t *testing.T) {
	if _, err := syncer.NextRunTime("not a cron", time.Now()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCreateBackup_RefusedWhileImpersonating(t *testing.T) {
	dir := t.TempDir()
	rem, err := remote.NewDirStore(dir)
	if err != nil {
		t.Fatalf("dir store: %v", err)
	}
	db, err := persistence.Open(filepath.Join(t.TempDir(), "earmark.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := annotations.NewStore(db, nil, slog.Default())
	if err := store.Load(context.Background(), "target-worker"); err != nil {
		t.Fatalf("load: %v", err)
	}
	eng := syncer.New(syncer.Options{
		Annotations: store,
		Remote:      rem,
		DB:          db,
		Logger:      slog.Default(),
		Disabled:    func() bool { return true },
	})
	ctx := context.Background()

	if err := store.Update(ctx, "jeopardy", 0, annotations.Record{Status: "complete"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// An explicit backup request bypasses the threshold check, so the
	// write suppression has to hold here too.
	if _, err := eng.CreateBackup(ctx, "jeopardy"); !errors.Is(err, syncer.ErrRemoteDisabled) {
		t.Fatalf("expected ErrRemoteDisabled, got %v", err)
	}
	if names, _ := rem.List(ctx, "annotations/target-worker/backups/"); len(names) != 0 {
		t.Fatalf("backup written while writes disabled: %v", names)
	}
}

func TestBind_CountsAnnotationWrites(t *testing.T) {
	rem, err := remote.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("dir store: %v", err)
	}
	db, err := persistence.Open(filepath.Join(t.TempDir(), "earmark.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := annotations.NewStore(db, nil, slog.Default())
	if err := store.Load(context.Background(), "w1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	metrics, err := otel.NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	eng := syncer.New(syncer.Options{
		Annotations: store,
		Remote:      rem,
		DB:          db,
		Logger:      slog.Default(),
		Metrics:     metrics,
	})
	eng.Bind()
	ctx := context.Background()

	if err := store.Update(ctx, "jeopardy", 0, annotations.Record{Status: "recorded"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Update(ctx, "jeopardy", 1, annotations.Record{Status: "recorded"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, inst := range sm.Metrics {
			if inst.Name != "earmark.annotation.writes" {
				continue
			}
			sum, ok := inst.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", inst.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Fatalf("annotation write count = %d, want 2", total)
	}
}
