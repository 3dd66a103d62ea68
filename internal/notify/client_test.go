package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSendCycleClosed_OK(t *testing.T) {
	var received CycleClosedEvent

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/cycles/closed" {
			t.Fatalf("path = %s, want /api/cycles/closed", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("content-type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	event := CycleClosedEvent{
		CycleID:      1,
		CustomerID:   2,
		TiffinsTaken: 30,
		Amount:       1500,
		StartDate:    "2025-03-01",
		EndDate:      "2025-03-30T12:00:00Z",
	}

	if err := client.SendCycleClosed(ctx, event); err != nil {
		t.Fatalf("SendCycleClosed error: %v", err)
	}
	if received != event {
		t.Fatalf("server received %+v, want %+v", received, event)
	}
}

func TestSendCycleClosed_BadStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.SendCycleClosed(ctx, CycleClosedEvent{CycleID: 1}); err == nil {
		t.Fatalf("expected error for 404 response")
	}
}

func TestSendCycleClosed_NotConfigured(t *testing.T) {
	var client *Client

	if err := client.SendCycleClosed(context.Background(), CycleClosedEvent{}); err == nil {
		t.Fatalf("expected error for nil client")
	}

	empty := NewClient("")
	if err := empty.SendCycleClosed(context.Background(), CycleClosedEvent{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
