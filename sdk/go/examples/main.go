package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"Aegis-Chain/sdk/go/aegis"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(aegis.Token{AccessToken: "demo-token", ExpiresIn: 3600, TokenType: "Bearer"})
	})
	mux.HandleFunc("/api/v1/reviews", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(aegis.Review{
				ID:     "rev-demo",
				Status: "pending",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/reviews/rev-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(aegis.Review{
			ID:     "rev-demo",
			Status: "approved",
			Decision: &aegis.Decision{
				Allowed: true,
				Reason:  "all checks passed",
				TxHash:  "0xabc",
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := aegis.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := client.Authenticate(ctx, aegis.Credentials{Username: "operator", Password: "secret"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("authenticated with token %s\n", token.AccessToken)

	review, err := client.SubmitReview(ctx, aegis.ReviewSubmission{
		Utterance: "send 0.1 to treasurer",
		Principal: "0x00000000000000000000000000000000000000aa",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted review %s (status=%s)\n", review.ID, review.Status)

	decided, err := client.WaitUntilDecided(ctx, review.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("review %s decided: allowed=%t tx=%s\n", decided.ID, decided.Decision.Allowed, decided.Decision.TxHash)
}
