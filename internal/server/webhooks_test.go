package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"shipline/internal/config"
	"shipline/internal/engine"
)

type webhookSink struct {
	mu         sync.Mutex
	statusCode int
	deliveries []webhookEvent
	headers    []http.Header
}

func (s *webhookSink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		if err := json.Unmarshal(body, &evt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.deliveries = append(s.deliveries, evt)
		s.headers = append(s.headers, r.Header.Clone())
		if s.statusCode != 0 {
			w.WriteHeader(s.statusCode)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *webhookSink) received() []webhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webhookEvent, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

func (s *webhookSink) setStatus(code int) {
	s.mu.Lock()
	s.statusCode = code
	s.mu.Unlock()
}

func newDispatcher(e engine.Engine, hooks ...config.WebhookConfig) *webhookDispatcher {
	return &webhookDispatcher{
		engine:   e,
		webhooks: hooks,
		client:   &http.Client{},
		cursors:  make(map[int]int64),
	}
}

func seedInitiativeEvents(t *testing.T, ts *testServer) string {
	t.Helper()
	ctx := context.Background()
	in, err := ts.Engine.CreateInitiative(ctx, engine.InitiativeCreateOptions{
		Title:   "Checkout revamp",
		Content: "Rebuild the checkout flow.",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create initiative: %v", err)
	}
	if _, err := ts.Engine.CancelInitiative(ctx, in.ID, "tester"); err != nil {
		t.Fatalf("cancel initiative: %v", err)
	}
	return in.ID
}

func TestWebhookDeliversMatchingEvents(t *testing.T) {
	ts := newTestServer(t)
	sink := &webhookSink{}
	endpoint := httptest.NewServer(sink.handler())
	defer endpoint.Close()

	seedInitiativeEvents(t, ts)

	d := newDispatcher(ts.Engine, config.WebhookConfig{
		URL:     endpoint.URL,
		Headers: map[string]string{"X-Team": "delivery"},
	})
	d.setCursor(0, 0)
	d.dispatchAll(context.Background())

	got := sink.received()
	if len(got) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(got))
	}
	if got[0].Type != "initiative.created" || got[1].Type != "initiative.cancelled" {
		t.Fatalf("delivery order = %q, %q", got[0].Type, got[1].Type)
	}
	if got[0].ActorID != "tester" {
		t.Fatalf("actor = %q", got[0].ActorID)
	}
	sink.mu.Lock()
	hdr := sink.headers[0]
	sink.mu.Unlock()
	if hdr.Get("X-Shipline-Event") != "initiative.created" {
		t.Fatalf("event header = %q", hdr.Get("X-Shipline-Event"))
	}
	if hdr.Get("X-Team") != "delivery" {
		t.Fatalf("custom header = %q", hdr.Get("X-Team"))
	}
}

func TestWebhookFilterAdvancesCursorPastNonMatching(t *testing.T) {
	ts := newTestServer(t)
	sink := &webhookSink{}
	endpoint := httptest.NewServer(sink.handler())
	defer endpoint.Close()

	seedInitiativeEvents(t, ts)

	d := newDispatcher(ts.Engine, config.WebhookConfig{
		URL:    endpoint.URL,
		Events: []string{"initiative.cancelled"},
	})
	d.setCursor(0, 0)
	d.dispatchAll(context.Background())

	got := sink.received()
	if len(got) != 1 || got[0].Type != "initiative.cancelled" {
		t.Fatalf("deliveries = %+v, want only initiative.cancelled", got)
	}

	// The skipped initiative.created event must not come back next tick.
	d.dispatchAll(context.Background())
	if again := sink.received(); len(again) != 1 {
		t.Fatalf("got %d deliveries after second tick, want 1", len(again))
	}
}

func TestWebhookNewHookStartsAtJournalTail(t *testing.T) {
	ts := newTestServer(t)
	sink := &webhookSink{}
	endpoint := httptest.NewServer(sink.handler())
	defer endpoint.Close()

	seedInitiativeEvents(t, ts)

	d := newDispatcher(ts.Engine, config.WebhookConfig{URL: endpoint.URL})
	d.dispatchAll(context.Background())
	if got := sink.received(); len(got) != 0 {
		t.Fatalf("got %d deliveries of pre-existing events, want 0", len(got))
	}

	// Events recorded after the hook came up are delivered.
	in, err := ts.Engine.CreateInitiative(context.Background(), engine.InitiativeCreateOptions{
		Title: "Search revamp", Content: "Rework product search.", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create initiative: %v", err)
	}
	d.dispatchAll(context.Background())
	got := sink.received()
	if len(got) != 1 || got[0].InitiativeID != in.ID {
		t.Fatalf("deliveries = %+v, want the new initiative's event", got)
	}
}

func TestWebhookFailedDeliveryRetriesFromSameCursor(t *testing.T) {
	ts := newTestServer(t)
	sink := &webhookSink{}
	sink.setStatus(http.StatusInternalServerError)
	endpoint := httptest.NewServer(sink.handler())
	defer endpoint.Close()

	seedInitiativeEvents(t, ts)

	d := newDispatcher(ts.Engine, config.WebhookConfig{URL: endpoint.URL})
	d.setCursor(0, 0)
	d.dispatchAll(context.Background())
	if got := sink.received(); len(got) != 1 {
		t.Fatalf("got %d attempts, want 1 before the endpoint failed", len(got))
	}

	sink.setStatus(http.StatusOK)
	d.dispatchAll(context.Background())
	got := sink.received()
	if len(got) != 3 {
		t.Fatalf("got %d total attempts, want 3 (1 failed + 2 delivered)", len(got))
	}
	if got[1].ID != got[0].ID {
		t.Fatalf("retry delivered event %d, want %d again", got[1].ID, got[0].ID)
	}
}

func TestWebhookDisabledHookIsSkipped(t *testing.T) {
	ts := newTestServer(t)
	sink := &webhookSink{}
	endpoint := httptest.NewServer(sink.handler())
	defer endpoint.Close()

	seedInitiativeEvents(t, ts)

	off := false
	d := newDispatcher(ts.Engine, config.WebhookConfig{URL: endpoint.URL, Enabled: &off})
	d.setCursor(0, 0)
	d.dispatchAll(context.Background())
	if got := sink.received(); len(got) != 0 {
		t.Fatalf("got %d deliveries from a disabled hook, want 0", len(got))
	}
}
