package memory

import (
	"context"
	"testing"

	"github.com/dialogpipe/dialogpipe/internal/models"
)

func TestInMemorySaverGetUnknownThread(t *testing.T) {
	s := NewInMemorySaver()
	state, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if state != nil {
		t.Errorf("expected nil state for unknown thread, got %+v", state)
	}
}

func TestInMemorySaverSaveAndGet(t *testing.T) {
	s := NewInMemorySaver()
	ctx := context.Background()

	state := models.NewState("t1")
	state.Intent = models.ActiveIntent{ID: "book_flight"}
	state.ExtractedParameters["origin"] = "Toronto"
	state.MissingParameters = []string{"destination"}
	state.CurrentNode = "destination"

	if err := s.Save(ctx, "t1", state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Intent.ID != "book_flight" || got.CurrentNode != "destination" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.ExtractedParameters["origin"] != "Toronto" {
		t.Errorf("extracted parameters lost: %v", got.ExtractedParameters)
	}
}

func TestInMemorySaverReturnsCopies(t *testing.T) {
	s := NewInMemorySaver()
	ctx := context.Background()

	state := models.NewState("t1")
	if err := s.Save(ctx, "t1", state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	first, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	first.CurrentNode = "mutated"

	second, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if second.CurrentNode == "mutated" {
		t.Error("Get must not share state between callers")
	}
}

func TestInMemorySaverInitState(t *testing.T) {
	s := NewInMemorySaver()
	ctx := context.Background()

	state, err := s.InitState(ctx, "t1")
	if err != nil {
		t.Fatalf("InitState failed: %v", err)
	}
	if state.ThreadID != "t1" {
		t.Errorf("thread id = %q", state.ThreadID)
	}
	if state.Context == nil || state.ExtractedParameters == nil {
		t.Error("expected initialized maps")
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("InitState must persist the fresh state")
	}
}

func TestNewSaverSelectsBackend(t *testing.T) {
	saver, err := NewSaver()
	if err != nil {
		t.Fatalf("NewSaver failed: %v", err)
	}
	if _, ok := saver.(*InMemorySaver); !ok {
		t.Errorf("expected InMemorySaver without options, got %T", saver)
	}
}
