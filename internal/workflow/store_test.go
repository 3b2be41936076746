package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/qualitrace/model"
)

func testSnapshot(batchID string) model.WorkflowSnapshot {
	return model.WorkflowSnapshot{
		BatchID: batchID,
		Steps: []model.Step{
			{ID: "step1", Title: "Testing Step 1", Description: DefaultStepDescription},
			{ID: "step2", Title: "Testing Step 2"},
		},
		Results: map[string]map[string]string{
			"step1": {"moisture": "11.5%"},
		},
		Completions: map[string]model.StepCompletion{
			"step1": {
				CompletedBy:     "T-100",
				CompletedByName: "Amina",
				CompletedAt:     time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
				Location:        model.Coordinate{Lat: -1.2864, Lng: 36.8172},
			},
		},
		CompletedStepIDs: []string{"step1"},
		NextStepSeq:      3,
	}
}

// runSnapshotStoreContract checks the behaviour every SnapshotStore driver
// shares.
func runSnapshotStoreContract(t *testing.T, newStore func(t *testing.T) SnapshotStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("load missing", func(t *testing.T) {
		store := newStore(t)
		_, found, err := store.Load(ctx, "CB404")
		if err != nil {
			t.Fatalf("Load error: %v", err)
		}
		if found {
			t.Error("found = true, want false")
		}
	})

	t.Run("save then load", func(t *testing.T) {
		store := newStore(t)
		saved, err := store.Save(ctx, testSnapshot("CB001"))
		if err != nil {
			t.Fatalf("Save error: %v", err)
		}
		if saved.Version != 1 {
			t.Errorf("saved.Version = %d, want 1", saved.Version)
		}
		if saved.UpdatedAt.IsZero() {
			t.Error("saved.UpdatedAt should be set")
		}

		got, found, err := store.Load(ctx, "CB001")
		if err != nil || !found {
			t.Fatalf("Load = found %v, err %v", found, err)
		}
		if got.Version != 1 {
			t.Errorf("Version = %d, want 1", got.Version)
		}
		if len(got.Steps) != 2 || got.Steps[1].ID != "step2" {
			t.Errorf("Steps = %+v", got.Steps)
		}
		if got.Results["step1"]["moisture"] != "11.5%" {
			t.Errorf("Results = %v", got.Results)
		}
		c, ok := got.Completions["step1"]
		if !ok {
			t.Fatal("completion for step1 missing")
		}
		if c.CompletedBy != "T-100" || c.Location.Lat != -1.2864 {
			t.Errorf("completion = %+v", c)
		}
		if !c.CompletedAt.Equal(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)) {
			t.Errorf("CompletedAt = %v", c.CompletedAt)
		}
		if len(got.CompletedStepIDs) != 1 || got.NextStepSeq != 3 {
			t.Errorf("CompletedStepIDs = %v, NextStepSeq = %d", got.CompletedStepIDs, got.NextStepSeq)
		}
	})

	t.Run("save increments version", func(t *testing.T) {
		store := newStore(t)
		v1, err := store.Save(ctx, testSnapshot("CB001"))
		if err != nil {
			t.Fatalf("first Save error: %v", err)
		}
		v1.Results["step2"] = map[string]string{"ph": "5.1"}
		v2, err := store.Save(ctx, v1)
		if err != nil {
			t.Fatalf("second Save error: %v", err)
		}
		if v2.Version != 2 {
			t.Errorf("Version = %d, want 2", v2.Version)
		}
		got, _, _ := store.Load(ctx, "CB001")
		if got.Results["step2"]["ph"] != "5.1" {
			t.Errorf("Results = %v", got.Results)
		}
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		store := newStore(t)
		v1, err := store.Save(ctx, testSnapshot("CB002"))
		if err != nil {
			t.Fatalf("Save error: %v", err)
		}
		if _, err := store.Save(ctx, v1); err != nil {
			t.Fatalf("Save v1 error: %v", err)
		}

		// A second writer still holding version 1.
		_, err = store.Save(ctx, v1)
		if !model.IsCode(err, model.ErrConflict) {
			t.Fatalf("err = %v, want CONFLICT", err)
		}
		got, _, _ := store.Load(ctx, "CB002")
		if got.Version != 2 {
			t.Errorf("Version after conflict = %d, want 2", got.Version)
		}
	})

	t.Run("first write races", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.Save(ctx, testSnapshot("CB003")); err != nil {
			t.Fatalf("Save error: %v", err)
		}
		_, err := store.Save(ctx, testSnapshot("CB003"))
		if !model.IsCode(err, model.ErrConflict) {
			t.Fatalf("err = %v, want CONFLICT for second version-0 write", err)
		}
	})

	t.Run("batches are isolated", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.Save(ctx, testSnapshot("CB001")); err != nil {
			t.Fatalf("Save error: %v", err)
		}
		if _, found, _ := store.Load(ctx, "CB002"); found {
			t.Error("CB002 should not exist")
		}
	})

	t.Run("load returns a copy", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.Save(ctx, testSnapshot("CB001")); err != nil {
			t.Fatalf("Save error: %v", err)
		}
		got, _, _ := store.Load(ctx, "CB001")
		got.Results["step1"]["moisture"] = "tampered"
		again, _, _ := store.Load(ctx, "CB001")
		if again.Results["step1"]["moisture"] != "11.5%" {
			t.Error("mutating a loaded snapshot changed the stored one")
		}
	})

	t.Run("health check", func(t *testing.T) {
		store := newStore(t)
		if err := store.HealthCheck(ctx); err != nil {
			t.Errorf("HealthCheck error: %v", err)
		}
	})
}
