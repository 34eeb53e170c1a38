package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type fakeTeamStore struct {
	upserts []teamUpsert
	failFor map[string]error
}

type teamUpsert struct {
	teamID string
	total  float64
	active bool
}

func (f *fakeTeamStore) UpsertTeamTotal(_ context.Context, teamID string, total float64, active bool) error {
	if err := f.failFor[teamID]; err != nil {
		return err
	}
	f.upserts = append(f.upserts, teamUpsert{teamID: teamID, total: total, active: active})
	return nil
}

func newTestSync(t *testing.T, store TeamStore, feed http.HandlerFunc) (*FundsSync, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(feed)
	t.Cleanup(srv.Close)

	return NewFundsSync(store, FundsConfig{
		FeedURL:   srv.URL,
		AuthToken: "feed-secret",
	}, zap.NewNop()), srv
}

func TestFundsSync_WritesEachEntry(t *testing.T) {
	store := &fakeTeamStore{}
	var gotToken string
	sync, _ := newTestSync(t, store, func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-AuthToken")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"DbNum": "team-1", "Active": true, "Total": 1250.5},
			{"DbNum": "team-2", "Active": false, "Total": 0}
		]`))
	})

	if err := sync.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if gotToken != "feed-secret" {
		t.Fatalf("X-AuthToken = %q, want feed-secret", gotToken)
	}
	if len(store.upserts) != 2 {
		t.Fatalf("expected 2 upserts, got %d", len(store.upserts))
	}
	if store.upserts[0] != (teamUpsert{teamID: "team-1", total: 1250.5, active: true}) {
		t.Fatalf("unexpected first upsert: %+v", store.upserts[0])
	}
	if store.upserts[1] != (teamUpsert{teamID: "team-2", total: 0, active: false}) {
		t.Fatalf("unexpected second upsert: %+v", store.upserts[1])
	}
}

func TestFundsSync_SkipsMalformedEntries(t *testing.T) {
	store := &fakeTeamStore{}
	sync, _ := newTestSync(t, store, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"Active": true, "Total": 10},
			{"DbNum": "team-ok", "Active": true, "Total": 42},
			{"DbNum": "team-no-total", "Active": true}
		]`))
	})

	if err := sync.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(store.upserts) != 1 || store.upserts[0].teamID != "team-ok" {
		t.Fatalf("expected only team-ok, got %+v", store.upserts)
	}
}

func TestFundsSync_StoreFailureDoesNotAbort(t *testing.T) {
	store := &fakeTeamStore{failFor: map[string]error{"team-bad": errDeleteFailed}}
	sync, _ := newTestSync(t, store, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"DbNum": "team-bad", "Active": true, "Total": 5},
			{"DbNum": "team-good", "Active": true, "Total": 6}
		]`))
	})

	if err := sync.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.upserts) != 1 || store.upserts[0].teamID != "team-good" {
		t.Fatalf("expected team-good to survive, got %+v", store.upserts)
	}
}

func TestFundsSync_FeedErrorFailsRun(t *testing.T) {
	store := &fakeTeamStore{}
	sync, _ := newTestSync(t, store, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})

	if err := sync.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(store.upserts) != 0 {
		t.Fatalf("expected no upserts, got %+v", store.upserts)
	}
}

func TestFundsSync_MalformedBodyFailsRun(t *testing.T) {
	store := &fakeTeamStore{}
	sync, _ := newTestSync(t, store, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not": "an array"}`))
	})

	if err := sync.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
