package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agentterm/agentterm/internal/db"
	"github.com/agentterm/agentterm/internal/model"
)

// generateID generates a unique ID for testing.
func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func newTestRepo(t *testing.T) *SessionRepository {
	t.Helper()
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })
	return NewSessionRepository(testDB)
}

func TestCreateAndGetByID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	session := &model.Session{
		ID:             generateID(),
		Name:           "fix flaky tests",
		WorkingDir:     "/home/dev/project",
		ToolType:       model.ToolClaude,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := repo.Create(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	got, err := repo.GetByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to retrieve session: %v", err)
	}
	if got.Name != session.Name || got.WorkingDir != session.WorkingDir || got.ToolType != session.ToolType {
		t.Errorf("retrieved session does not match: %+v", got)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.GetByID(context.Background(), "missing"); err != model.ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestDeleteNotFound(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Delete(context.Background(), "missing"); err != model.ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUpdateActivity(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	session := &model.Session{
		ID:             generateID(),
		Name:           "activity",
		WorkingDir:     "/tmp",
		ToolType:       model.ToolTerminal,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := repo.Create(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	later := now.Add(time.Minute)
	if err := repo.UpdateActivity(ctx, session.ID, later); err != nil {
		t.Fatalf("failed to update activity: %v", err)
	}

	got, err := repo.GetByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to retrieve session: %v", err)
	}
	if !got.LastActivityAt.Equal(later) {
		t.Errorf("expected activity %v, got %v", later, got.LastActivityAt)
	}
}

// Created sessions survive a round trip through the database intact, and a
// deleted session is gone.
func TestSessionRoundTripProperty(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	nonEmptyString := gen.AlphaString().SuchThat(func(s string) bool {
		return len(s) > 0 && len(s) <= 100
	})

	toolGen := gen.OneConstOf(
		model.ToolClaude, model.ToolCodex, model.ToolCopilot,
		model.ToolGemini, model.ToolAgent, model.ToolTerminal,
	)

	properties.Property("create then get returns the same record", prop.ForAll(
		func(name, dir string, tool model.ToolType) bool {
			now := time.Now().Truncate(time.Second)
			session := &model.Session{
				ID:             generateID(),
				Name:           name,
				WorkingDir:     "/" + dir,
				ToolType:       tool,
				CreatedAt:      now,
				LastActivityAt: now,
			}

			if err := repo.Create(ctx, session); err != nil {
				t.Logf("failed to create session: %v", err)
				return false
			}

			got, err := repo.GetByID(ctx, session.ID)
			if err != nil {
				t.Logf("failed to retrieve session: %v", err)
				return false
			}
			if got.Name != session.Name || got.WorkingDir != session.WorkingDir || got.ToolType != session.ToolType {
				t.Logf("round trip mismatch: %+v", got)
				return false
			}

			if err := repo.Delete(ctx, session.ID); err != nil {
				t.Logf("failed to delete session: %v", err)
				return false
			}
			if _, err := repo.GetByID(ctx, session.ID); err != model.ErrSessionNotFound {
				t.Logf("deleted session still retrievable")
				return false
			}

			return true
		},
		nonEmptyString,
		nonEmptyString,
		toolGen,
	))

	properties.TestingRun(t)
}
