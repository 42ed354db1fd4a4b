package settings_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/bdobrica/Kiroku/internal/kiroku/settings"
	appstore "github.com/bdobrica/Kiroku/internal/kiroku/store"
)

func newTestStore(t *testing.T) settings.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kiroku-settings-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	s, err := appstore.New(f.Name())
	if err != nil {
		t.Fatalf("appstore.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return settings.New(s)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "!missing:example.com")
	if !errors.Is(err, settings.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestEnsure_DefaultsAndTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Ensure(ctx, "!room:example.com", "Release crew"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	// An empty title keeps the stored one.
	if err := s.Ensure(ctx, "!room:example.com", ""); err != nil {
		t.Fatalf("Ensure(empty): %v", err)
	}

	got, err := s.Get(ctx, "!room:example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Release crew" {
		t.Errorf("Title: got %q, want %q", got.Title, "Release crew")
	}
	if !got.Active {
		t.Error("new chats should be active")
	}
	if len(got.Cadences()) != 0 {
		t.Errorf("new chats should have no cadences, got %v", got.Cadences())
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}
}

func TestSetCadenceAndListEnabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, chat := range []string{"!c:example.com", "!a:example.com", "!b:example.com"} {
		if err := s.SetCadence(ctx, chat, appstore.SummaryDaily, true); err != nil {
			t.Fatalf("SetCadence(%s): %v", chat, err)
		}
	}
	if err := s.SetCadence(ctx, "!a:example.com", appstore.SummaryWeekly, true); err != nil {
		t.Fatalf("SetCadence(weekly): %v", err)
	}
	if err := s.SetActive(ctx, "!b:example.com", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	daily, err := s.ListEnabled(ctx, appstore.SummaryDaily)
	if err != nil {
		t.Fatalf("ListEnabled: %v", err)
	}
	if len(daily) != 2 || daily[0].ChatID != "!a:example.com" || daily[1].ChatID != "!c:example.com" {
		t.Fatalf("daily: got %+v", daily)
	}

	weekly, err := s.ListEnabled(ctx, appstore.SummaryWeekly)
	if err != nil {
		t.Fatalf("ListEnabled(weekly): %v", err)
	}
	if len(weekly) != 1 {
		t.Fatalf("weekly: got %d chats, want 1", len(weekly))
	}

	// Pausing keeps the cadence choice.
	b, err := s.Get(ctx, "!b:example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !b.Daily || b.Active || b.Enabled(appstore.SummaryDaily) {
		t.Errorf("paused chat: got %+v", b)
	}

	if err := s.SetCadence(ctx, "!a:example.com", appstore.SummaryDaily, false); err != nil {
		t.Fatalf("SetCadence(off): %v", err)
	}
	a, _ := s.Get(ctx, "!a:example.com")
	if a.Daily || !a.Weekly {
		t.Errorf("after turning daily off: got %+v", a)
	}
}

func TestSetCadence_RejectsManual(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetCadence(context.Background(), "!a:example.com", appstore.SummaryManual, true); err == nil {
		t.Fatal("expected error for manual cadence")
	}
	if _, err := s.ListEnabled(context.Background(), appstore.SummaryManual); err == nil {
		t.Fatal("expected error listing manual cadence")
	}
}
