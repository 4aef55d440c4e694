package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tensorhub/tensorhub/internal/metrics"
	"github.com/tensorhub/tensorhub/internal/model"
	"github.com/tensorhub/tensorhub/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpsertFromClaims_IdempotentIdentity(t *testing.T) {
	store := newMemStore()
	recorder := metrics.NewInMemory()
	dir := NewUserDirectory(store, discardLogger(), recorder)
	ctx := context.Background()

	claims := &model.Claims{Subject: "sub-1", Email: "ada@example.com", Name: "Ada"}

	first, err := dir.UpsertFromClaims(ctx, claims)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := dir.UpsertFromClaims(ctx, claims)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if first.ID == "" || first.ID != second.ID {
		t.Fatalf("ids differ: %q vs %q", first.ID, second.ID)
	}
	if first.Plan != model.PlanFree {
		t.Errorf("Plan = %q, want free", first.Plan)
	}
	if got := recorder.Snapshot().UsersProvisioned; got != 1 {
		t.Errorf("UsersProvisioned = %d, want 1", got)
	}
}

func TestUpsertFromClaims_DisplayNameFallback(t *testing.T) {
	tests := []struct {
		name   string
		claims model.Claims
		want   string
	}{
		{"name claim", model.Claims{Subject: "s1", Email: "ada@example.com", Name: "Ada Lovelace"}, "Ada Lovelace"},
		{"email local part", model.Claims{Subject: "s2", Email: "grace.hopper@example.com"}, "grace.hopper"},
		{"blank name", model.Claims{Subject: "s3", Email: "linus@example.com", Name: "   "}, "linus"},
		{"no email", model.Claims{Subject: "s4"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := NewUserDirectory(newMemStore(), discardLogger(), nil)
			user, err := dir.UpsertFromClaims(context.Background(), &tt.claims)
			if err != nil {
				t.Fatalf("UpsertFromClaims: %v", err)
			}
			if user.DisplayName != tt.want {
				t.Errorf("DisplayName = %q, want %q", user.DisplayName, tt.want)
			}
		})
	}
}

func TestUpsertFromClaims_RefreshesProfile(t *testing.T) {
	store := newMemStore()
	dir := NewUserDirectory(store, discardLogger(), nil)
	ctx := context.Background()

	first, err := dir.UpsertFromClaims(ctx, &model.Claims{Subject: "sub", Email: "old@example.com"})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	updated, err := dir.UpsertFromClaims(ctx, &model.Claims{
		Subject:    "sub",
		Email:      "new@example.com",
		Name:       "New Name",
		PictureURL: "https://cdn.example.com/a.png",
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if updated.ID != first.ID {
		t.Errorf("ID changed")
	}
	if updated.ExternalSubject != "sub" {
		t.Errorf("ExternalSubject = %q", updated.ExternalSubject)
	}
	if updated.Email != "new@example.com" || updated.DisplayName != "New Name" {
		t.Errorf("profile not refreshed: %+v", updated)
	}
	if updated.AvatarURL == nil || *updated.AvatarURL != "https://cdn.example.com/a.png" {
		t.Errorf("AvatarURL = %v", updated.AvatarURL)
	}
}

func TestUpsertFromClaims_PersistenceError(t *testing.T) {
	store := newMemStore()
	store.failAll = errStoreDown
	dir := NewUserDirectory(store, discardLogger(), nil)

	_, err := dir.UpsertFromClaims(context.Background(), &model.Claims{Subject: "sub"})

	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *PersistenceError", err)
	}
	if !errors.Is(err, errStoreDown) {
		t.Errorf("PersistenceError should wrap the store error")
	}
}

func TestUpsertFromClaims_RequiresSubject(t *testing.T) {
	store := newMemStore()
	dir := NewUserDirectory(store, discardLogger(), nil)

	_, err := dir.UpsertFromClaims(context.Background(), &model.Claims{Subject: " ", Email: "x@example.com"})

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if store.upserts != 0 {
		t.Errorf("store should not be called, got %d upserts", store.upserts)
	}
}

func TestFindBySubject(t *testing.T) {
	store := newMemStore()
	dir := NewUserDirectory(store, discardLogger(), nil)
	ctx := context.Background()

	if _, err := dir.FindBySubject(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("missing subject error = %v, want ErrUserNotFound", err)
	}

	created, err := dir.UpsertFromClaims(ctx, &model.Claims{Subject: "present", Email: "p@example.com"})
	if err != nil {
		t.Fatalf("UpsertFromClaims: %v", err)
	}
	found, err := dir.FindBySubject(ctx, "present")
	if err != nil {
		t.Fatalf("FindBySubject: %v", err)
	}
	if found.ID != created.ID {
		t.Errorf("ID = %q, want %q", found.ID, created.ID)
	}

	store.failAll = errStoreDown
	if _, err := dir.FindBySubject(ctx, "present"); !IsPersistenceError(err) {
		t.Errorf("store failure error = %v, want PersistenceError", err)
	}
}

func TestFindByID(t *testing.T) {
	store := newMemStore()
	dir := NewUserDirectory(store, discardLogger(), nil)
	ctx := context.Background()

	created, err := dir.UpsertFromClaims(ctx, &model.Claims{Subject: "by-id", Email: "id@example.com"})
	if err != nil {
		t.Fatalf("UpsertFromClaims: %v", err)
	}

	found, err := dir.FindByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if found.ExternalSubject != "by-id" {
		t.Errorf("ExternalSubject = %q", found.ExternalSubject)
	}

	for _, id := range []string{"", "01UNKNOWN"} {
		if _, err := dir.FindByID(ctx, id); !errors.Is(err, ErrUserNotFound) {
			t.Errorf("FindByID(%q) error = %v, want ErrUserNotFound", id, err)
		}
	}
}

// gatedStore holds every upsert until release is closed.
type gatedStore struct {
	*memStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) UpsertUser(ctx context.Context, p repository.UpsertUserParams) (*model.User, bool, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.memStore.UpsertUser(ctx, p)
}

func TestUpsertFromClaims_CoalescesConcurrentCalls(t *testing.T) {
	store := &gatedStore{memStore: newMemStore(), entered: make(chan struct{}, 8), release: make(chan struct{})}
	recorder := metrics.NewInMemory()
	dir := NewUserDirectory(store, discardLogger(), recorder)
	claims := &model.Claims{Subject: "sub-herd", Email: "herd@example.com"}

	const callers = 5
	results := make(chan *model.User, callers)
	var started, wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		started.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			u, err := dir.UpsertFromClaims(context.Background(), claims)
			if err != nil {
				t.Errorf("UpsertFromClaims: %v", err)
				return
			}
			results <- u
		}()
	}

	<-store.entered
	started.Wait()
	// Let the other callers join the in-flight upsert.
	time.Sleep(100 * time.Millisecond)
	close(store.release)
	wg.Wait()
	close(results)

	var first *model.User
	for u := range results {
		if first == nil {
			first = u
			continue
		}
		if u == first {
			t.Error("callers share one *model.User")
		}
		if u.ID != first.ID {
			t.Errorf("ID = %s, want %s", u.ID, first.ID)
		}
	}
	if store.upserts != 1 {
		t.Errorf("upserts = %d, want 1", store.upserts)
	}
	if got := recorder.Snapshot().UsersProvisioned; got != 1 {
		t.Errorf("UsersProvisioned = %d, want 1", got)
	}
}

func TestUpsertFromClaims_CallerCancelled(t *testing.T) {
	store := &gatedStore{memStore: newMemStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	dir := NewUserDirectory(store, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-store.entered
		cancel()
	}()

	_, err := dir.UpsertFromClaims(ctx, &model.Claims{Subject: "sub-slow"})
	close(store.release)

	if !IsPersistenceError(err) || !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want persistence error wrapping context.Canceled", err)
	}
}
