package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSend_PostsCreationEvent(t *testing.T) {
	var got creationEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %s", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(testLogger(), srv.URL)
	err := n.send(context.Background(), creationEvent{
		Event:      "profile_created",
		Username:   "ghost1",
		ProfileURL: "https://spook.bio/u/ghost1",
		CreatedAt:  "2025-10-31T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("send error: %v", err)
	}

	if got.Username != "ghost1" || got.Event != "profile_created" {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestSend_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(testLogger(), srv.URL)
	if err := n.send(context.Background(), creationEvent{Username: "ghost1"}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestProfileCreated_NoURLIsNoop(t *testing.T) {
	n := New(testLogger(), "")
	// must not panic or block
	n.ProfileCreated("ghost1", "https://spook.bio/u/ghost1")

	var nilNotifier *Notifier
	nilNotifier.ProfileCreated("ghost1", "")
}
