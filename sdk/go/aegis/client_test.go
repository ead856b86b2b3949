package aegis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthenticateStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/token" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if payload["grant_type"] != "password" {
			t.Fatalf("unexpected grant type: %s", payload["grant_type"])
		}
		_ = json.NewEncoder(w).Encode(Token{
			AccessToken: "abc123",
			ExpiresIn:   3600,
			TokenType:   "Bearer",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Authenticate(context.Background(), Credentials{
		Username: "operator",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if got := client.AccessToken(); got != "abc123" {
		t.Fatalf("unexpected token: %s", got)
	}
}

func TestSubmitReviewSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/reviews" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected authorization header: %s", got)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Review{ID: "rev-1", Status: "pending"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("tok")

	review, err := client.SubmitReview(context.Background(), ReviewSubmission{
		Utterance: "send 0.1 to treasurer",
		Principal: "0xaa",
	})
	if err != nil {
		t.Fatalf("submit review: %v", err)
	}
	if review.ID != "rev-1" || review.Status != "pending" {
		t.Fatalf("unexpected review: %+v", review)
	}
}

func TestWaitUntilDecidedPollsUntilTerminal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/reviews/rev-1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		calls++
		status := "pending"
		var decision *Decision
		if calls >= 3 {
			status = "denied"
			decision = &Decision{Allowed: false, Reason: "policy violation"}
		}
		_ = json.NewEncoder(w).Encode(Review{ID: "rev-1", Status: status, Decision: decision})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	review, err := client.WaitUntilDecided(ctx, "rev-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait until decided: %v", err)
	}
	if review.Status != "denied" || review.Decision == nil || review.Decision.Allowed {
		t.Fatalf("unexpected review: %+v", review)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls)
	}
}

func TestAPIErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "halt already engaged", http.StatusConflict)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.EngageHalt(context.Background(), "manual")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
	if apiErr.Message != "halt already engaged" {
		t.Fatalf("unexpected message: %q", apiErr.Message)
	}
}

func TestHaltLifecycleEndpoints(t *testing.T) {
	engaged := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/halt" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(HaltState{Engaged: engaged})
		case http.MethodPost:
			engaged = true
			_ = json.NewEncoder(w).Encode(HaltState{Engaged: true, Reason: "manual"})
		case http.MethodDelete:
			engaged = false
			_ = json.NewEncoder(w).Encode(HaltState{Engaged: false})
		default:
			t.Fatalf("unexpected method: %s", r.Method)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	state, err := client.EngageHalt(context.Background(), "manual")
	if err != nil || !state.Engaged {
		t.Fatalf("engage halt: state=%+v err=%v", state, err)
	}
	state, err = client.ReleaseHalt(context.Background())
	if err != nil || state.Engaged {
		t.Fatalf("release halt: state=%+v err=%v", state, err)
	}
	state, err = client.HaltStatus(context.Background())
	if err != nil || state.Engaged {
		t.Fatalf("halt status: state=%+v err=%v", state, err)
	}
}
