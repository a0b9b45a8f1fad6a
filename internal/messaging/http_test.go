package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopdm/dmflow/internal/models"
)

func TestHTTPServiceSend(t *testing.T) {
	var gotAuth string
	var gotPlan models.OutboundPlan
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotPlan); err != nil {
			t.Errorf("failed to decode plan: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewHTTPService(srv.URL, "platform-token")
	plan := models.OutboundPlan{ReceiverID: "user-1", Type: models.PlanText, Text: "سلام"}
	if err := svc.Send(context.Background(), plan); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotAuth != "Bearer platform-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotPlan.ReceiverID != "user-1" || gotPlan.Text != "سلام" {
		t.Errorf("delivered plan = %+v", gotPlan)
	}
}

func TestHTTPServiceSendPlatformError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	svc := NewHTTPService(srv.URL, "")
	plan := models.OutboundPlan{ReceiverID: "user-1", Type: models.PlanText, Text: "hi"}
	if err := svc.Send(context.Background(), plan); err == nil {
		t.Fatal("Send() should surface platform errors")
	}
}

func TestHTTPServiceRejectsInvalidPlan(t *testing.T) {
	svc := NewHTTPService("http://unreachable.invalid", "")
	if err := svc.Send(context.Background(), models.OutboundPlan{Type: models.PlanText}); err == nil {
		t.Fatal("Send() should reject a plan without a recipient")
	}
}

func TestHTTPServiceMarkRead(t *testing.T) {
	var seen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Without a seen endpoint read acks are silently skipped.
	svc := NewHTTPService(srv.URL, "")
	if err := svc.MarkRead(context.Background(), "user-1"); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if seen != 0 {
		t.Errorf("seen endpoint hit %d times without configuration", seen)
	}

	svc = NewHTTPService(srv.URL, "", WithSeenURL(srv.URL))
	if err := svc.MarkRead(context.Background(), "user-1"); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if seen != 1 {
		t.Errorf("seen endpoint hit %d times, want 1", seen)
	}
}
