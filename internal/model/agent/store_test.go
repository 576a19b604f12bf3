package agent_test

import (
	"errors"
	"testing"

	"github.com/voicefleet/agentdesk/backend/internal/model/agent"
)

func TestMemoryStoreSaveAssignsID(t *testing.T) {
	store := agent.NewMemoryStore(nil)

	saved, err := store.Save(agent.Agent{Name: "Destek"})
	if err != nil {
		t.Fatalf("Save err: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("expected generated id")
	}

	got, ok := store.FindByID(saved.ID)
	if !ok || got.Name != "Destek" {
		t.Fatalf("unexpected lookup result: %+v ok=%v", got, ok)
	}
}

func TestMemoryStoreSaveKeepsCreatedAt(t *testing.T) {
	store := agent.NewMemoryStore(agent.Seed())
	original, _ := store.FindByID(agent.DefaultID)

	updated, err := store.Save(agent.Agent{ID: agent.DefaultID, Name: "Yeni"})
	if err != nil {
		t.Fatalf("Save err: %v", err)
	}
	if !updated.CreatedAt.Equal(original.CreatedAt) {
		t.Fatalf("created timestamp changed: %s vs %s", updated.CreatedAt, original.CreatedAt)
	}
}

func TestMemoryStoreValidationAndDelete(t *testing.T) {
	store := agent.NewMemoryStore(agent.Seed())

	if _, err := store.Save(agent.Agent{}); !errors.Is(err, agent.ErrNameRequired) {
		t.Fatalf("expected ErrNameRequired, got %v", err)
	}
	if err := store.Delete("missing"); !errors.Is(err, agent.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(agent.DefaultID); err != nil {
		t.Fatalf("Delete err: %v", err)
	}
	if len(store.List()) != 0 {
		t.Fatal("expected empty store")
	}
}
