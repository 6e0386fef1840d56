package annotations_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/earmark/internal/annotations"
	"github.com/basket/earmark/internal/bus"
	"github.com/basket/earmark/internal/persistence"
)

func newTestStore(t *testing.T) (*annotations.Store, *persistence.Store) {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "earmark.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := annotations.NewStore(db, bus.New(), slog.Default())
	if err := store.Load(context.Background(), "w1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	return store, db
}

func TestStore_UpdateThenGetConverges(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := annotations.Record{
		Answer:      annotations.StatusRecorded,
		Status:      annotations.StatusRecorded,
		Recording:   "u1",
		BuzzLatency: 1200,
	}
	if err := store.Update(ctx, "jeopardy", 0, first); err != nil {
		t.Fatalf("update: %v", err)
	}
	second := first
	second.Answer = annotations.StatusComplete
	second.Status = annotations.StatusComplete
	if err := store.Update(ctx, "jeopardy", 0, second); err != nil {
		t.Fatalf("update 2: %v", err)
	}

	got := store.Get("jeopardy", 0)
	if got.Answer != annotations.StatusComplete || got.Recording != "u1" || got.BuzzLatency != 1200 {
		t.Fatalf("last write not observed: %+v", got)
	}
}

func TestStore_GetNeverFails(t *testing.T) {
	store, _ := newTestStore(t)
	got := store.Get("nope", 42)
	if !got.IsZero() {
		t.Fatalf("expected zero record for unknown row, got %+v", got)
	}
}

func TestStore_UpdateStampsTimestamp(t *testing.T) {
	store, _ := newTestStore(t)
	fixed := time.UnixMilli(1_700_000_000_000)
	store.SetClock(func() time.Time { return fixed })

	if err := store.Update(context.Background(), "jeopardy", 3, annotations.Record{Selected: "wolf"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := store.Get("jeopardy", 3).Metadata.Timestamp; got != fixed.UnixMilli() {
		t.Fatalf("timestamp = %d, want %d", got, fixed.UnixMilli())
	}

	// An explicit timestamp is preserved.
	if err := store.Update(context.Background(), "jeopardy", 3, annotations.Record{
		Selected: "seer",
		Metadata: annotations.Metadata{Timestamp: 42},
	}); err != nil {
		t.Fatalf("update 2: %v", err)
	}
	if got := store.Get("jeopardy", 3).Metadata.Timestamp; got != 42 {
		t.Fatalf("timestamp = %d, want 42", got)
	}
}

func TestStore_UpdateSurvivesReload(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	if err := store.Update(ctx, "emotion", 7, annotations.Record{Selected: "joy"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	reloaded := annotations.NewStore(db, nil, slog.Default())
	if err := reloaded.Load(ctx, "w1"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Get("emotion", 7); got.Selected != "joy" {
		t.Fatalf("reloaded record = %+v, want selected=joy", got)
	}
}

func TestStore_LoadDiscardsMalformedPayload(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	if err := db.SaveAnnotationSet(ctx, "w1", []byte(`{"jeopardy": [1,2,`)); err != nil {
		t.Fatalf("seed malformed: %v", err)
	}
	if err := store.Load(ctx, "w1"); err != nil {
		t.Fatalf("load should fail open, got %v", err)
	}
	if n := store.Count("jeopardy"); n != 0 {
		t.Fatalf("expected empty set after malformed load, count = %d", n)
	}
}

func TestStore_LoadNormalizesLegacyCompletedTag(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	seed := []byte(`{"pron":{"0":{"answer":"completed","status":"completed","metadata":{"timestamp":1}}}}`)
	if err := db.SaveAnnotationSet(ctx, "w1", seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Load(ctx, "w1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	got := store.Get("pron", 0)
	if got.Answer != annotations.StatusComplete || got.Status != annotations.StatusComplete {
		t.Fatalf("legacy tag not normalized: %+v", got)
	}
}

func TestStore_ExportIsByteIdenticalToDurableState(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	if err := store.Update(ctx, "jeopardy", 0, annotations.Record{Answer: annotations.StatusRecorded}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Update(ctx, "emotion", 2, annotations.Record{Selected: "anger"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	exported, err := store.Export(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	durable, err := db.LoadAnnotationSet(ctx, "w1")
	if err != nil {
		t.Fatalf("load durable: %v", err)
	}
	if !bytes.Equal(exported, durable) {
		t.Fatalf("export differs from durable state:\n%s\nvs\n%s", exported, durable)
	}

	// Re-importing the exported bytes yields an equivalent set.
	var set annotations.Set
	if err := json.Unmarshal(exported, &set); err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if set["emotion"][2].Selected != "anger" {
		t.Fatalf("re-imported set lost data: %+v", set)
	}
}

func TestStore_UpdateFiresHookAndEvent(t *testing.T) {
	db, err := persistence.Open(filepath.Join(t.TempDir(), "earmark.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	events := bus.New()
	sub := events.Subscribe(bus.TopicAnnotationUpdated)
	defer events.Unsubscribe(sub)

	store := annotations.NewStore(db, events, slog.Default())
	if err := store.Load(context.Background(), "w1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	var hooked []string
	store.OnUpdate(func(taskID string) { hooked = append(hooked, taskID) })

	if err := store.Update(context.Background(), "jeopardy", 0, annotations.Record{Answer: annotations.StatusRecorded}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if len(hooked) != 1 || hooked[0] != "jeopardy" {
		t.Fatalf("hook calls = %v, want [jeopardy]", hooked)
	}
	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.AnnotationUpdatedEvent)
		if payload.TaskID != "jeopardy" || payload.Row != 0 || payload.Identity != "w1" {
			t.Fatalf("unexpected event payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for annotation.updated event")
	}
}

func TestStore_ReplaceSwitchesIdentity(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	if err := store.Update(ctx, "jeopardy", 0, annotations.Record{Answer: annotations.StatusRecorded}); err != nil {
		t.Fatalf("update: %v", err)
	}

	other := annotations.Set{"jeopardy": {1: {Selected: "x"}}}
	if err := store.Replace(ctx, "w2", other); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if store.Identity() != "w2" {
		t.Fatalf("identity = %q, want w2", store.Identity())
	}
	if got := store.Get("jeopardy", 0); !got.IsZero() {
		t.Fatalf("expected w2 view, got leftover record %+v", got)
	}

	// w1's durable row is untouched.
	payload, err := db.LoadAnnotationSet(ctx, "w1")
	if err != nil {
		t.Fatalf("load w1: %v", err)
	}
	var set annotations.Set
	if err := json.Unmarshal(payload, &set); err != nil {
		t.Fatalf("parse w1: %v", err)
	}
	if set["jeopardy"][0].Answer != annotations.StatusRecorded {
		t.Fatalf("w1 durable state clobbered: %+v", set)
	}
}
