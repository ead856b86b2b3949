package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Chain/internal/advisory"
	"Aegis-Chain/internal/auth"
	"Aegis-Chain/internal/guard"
	"Aegis-Chain/internal/intent"
	"Aegis-Chain/internal/principal"
	"Aegis-Chain/internal/proposal"
	"Aegis-Chain/internal/review"
)

var testIdentity = common.HexToAddress("0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B")

func openPolicy() principal.Policy {
	return principal.Policy{
		MaxPerOperation:    1_000_000,
		MaxPerHour:         10_000_000,
		MaxCountPerHour:    100,
		MinConfidence:      0.5,
		AllowTransfer:      true,
		AllowAssetTransfer: true,
		AllowExchange:      true,
		AllowStake:         true,
		AllowProgramCall:   true,
	}
}

type testEnv struct {
	server   *Server
	registry *principal.Registry
	reviews  *review.Service
}

func newTestServer(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	registry := principal.NewRegistry()
	if _, err := registry.Register(testIdentity, "treasurer", openPolicy()); err != nil {
		t.Fatalf("register principal: %v", err)
	}
	engine := guard.NewEngine(registry, guard.NewHaltSwitch())

	store := review.NewMemoryStore()
	queue := review.NewMemoryQueue(16)
	svc := review.NewService(store, queue)
	t.Cleanup(func() { svc.Close() })

	directory := intent.NewDirectory()
	directory.Register("treasurer", testIdentity)
	translator := intent.NewTranslator(directory)

	opts = append([]Option{WithTranslator(translator), WithDirectory(directory)}, opts...)
	server := NewServer(":0", svc, engine, registry, opts...)
	return &testEnv{server: server, registry: registry, reviews: svc}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitReviewWithProposal(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	prop, err := proposal.NewTransfer(testIdentity, proposal.TransferParams{
		Destination: common.HexToAddress("0x0000000000000000000000000000000000000011"),
		Amount:      500,
	}, "pay invoice", 0.9)
	if err != nil {
		t.Fatalf("build proposal: %v", err)
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/reviews", submitRequest{Proposal: prop})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var rev review.Review
	if err := json.Unmarshal(rec.Body.Bytes(), &rev); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rev.Status != review.StatusPending {
		t.Fatalf("unexpected review status %s", rev.Status)
	}

	detail := doJSON(t, handler, http.MethodGet, "/api/v1/reviews/"+rev.ID, nil)
	if detail.Code != http.StatusOK {
		t.Fatalf("detail status %d", detail.Code)
	}

	missing := doJSON(t, handler, http.MethodGet, "/api/v1/reviews/nope", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown review, got %d", missing.Code)
	}
}

func TestSubmitReviewFromUtterance(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/reviews", submitRequest{
		Utterance: "send 0.0001 to treasurer",
		Principal: testIdentity.Hex(),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	gibberish := doJSON(t, handler, http.MethodPost, "/api/v1/reviews", submitRequest{
		Utterance: "do something nice",
		Principal: testIdentity.Hex(),
	})
	if gibberish.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unparseable utterance, got %d", gibberish.Code)
	}
}

func TestListReviewsFiltering(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	for _, amount := range []uint64{100, 200} {
		prop, err := proposal.NewTransfer(testIdentity, proposal.TransferParams{
			Destination: common.HexToAddress("0x0000000000000000000000000000000000000011"),
			Amount:      amount,
		}, "batch", 0.9)
		if err != nil {
			t.Fatalf("build proposal: %v", err)
		}
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/reviews", submitRequest{Proposal: prop})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submit status %d", rec.Code)
		}
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/reviews?status=pending&limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d: %s", rec.Code, rec.Body.String())
	}
	var reviews []*review.Review
	if err := json.Unmarshal(rec.Body.Bytes(), &reviews); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(reviews) != 2 {
		t.Fatalf("expected 2 reviews, got %d", len(reviews))
	}

	bad := doJSON(t, handler, http.MethodGet, "/api/v1/reviews?status=bogus", nil)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status filter, got %d", bad.Code)
	}

	stats := doJSON(t, handler, http.MethodGet, "/api/v1/reviews/stats", nil)
	if stats.Code != http.StatusOK {
		t.Fatalf("stats status %d", stats.Code)
	}
	var parsed review.ReviewStats
	if err := json.Unmarshal(stats.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if parsed.Total != 2 || parsed.Pending != 2 {
		t.Fatalf("unexpected stats: %+v", parsed)
	}
}

func TestHaltLifecycle(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/halt", haltRequest{Reason: "manual intervention"})
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status %d", rec.Code)
	}

	status := doJSON(t, handler, http.MethodGet, "/api/v1/halt", nil)
	var state map[string]any
	if err := json.Unmarshal(status.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode halt status: %v", err)
	}
	if state["engaged"] != true || state["reason"] != "manual intervention" {
		t.Fatalf("unexpected halt state: %+v", state)
	}

	release := doJSON(t, handler, http.MethodDelete, "/api/v1/halt", nil)
	if release.Code != http.StatusOK {
		t.Fatalf("release status %d", release.Code)
	}
	engaged, _ := env.server.engine.Halt().Status()
	if engaged {
		t.Fatalf("halt still engaged after release")
	}
}

func TestPrincipalManagement(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	other := "0x0000000000000000000000000000000000000022"
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/principals", registerRequest{
		Identity: other,
		Name:     "scout",
		Policy:   openPolicy(),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status %d: %s", rec.Code, rec.Body.String())
	}

	dup := doJSON(t, handler, http.MethodPost, "/api/v1/principals", registerRequest{
		Identity: other,
		Name:     "scout",
		Policy:   openPolicy(),
	})
	if dup.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate register, got %d", dup.Code)
	}

	list := doJSON(t, handler, http.MethodGet, "/api/v1/principals", nil)
	var views []principalView
	if err := json.Unmarshal(list.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode principals: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 principals, got %d", len(views))
	}

	policy := openPolicy()
	policy.MaxPerOperation = 42
	update := doJSON(t, handler, http.MethodPut, "/api/v1/principals/"+other+"/policy", policy)
	if update.Code != http.StatusOK {
		t.Fatalf("policy update status %d: %s", update.Code, update.Body.String())
	}
	read := doJSON(t, handler, http.MethodGet, "/api/v1/principals/"+other+"/policy", nil)
	var got principal.Policy
	if err := json.Unmarshal(read.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode policy: %v", err)
	}
	if got.MaxPerOperation != 42 {
		t.Fatalf("policy not updated: %+v", got)
	}

	invalid := openPolicy()
	invalid.MinConfidence = 2
	bad := doJSON(t, handler, http.MethodPut, "/api/v1/principals/"+other+"/policy", invalid)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid policy, got %d", bad.Code)
	}

	remove := doJSON(t, handler, http.MethodDelete, "/api/v1/principals/"+other, nil)
	if remove.Code != http.StatusNoContent {
		t.Fatalf("decommission status %d", remove.Code)
	}
	gone := doJSON(t, handler, http.MethodGet, "/api/v1/principals/"+other, nil)
	if gone.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after decommission, got %d", gone.Code)
	}
}

func TestParseEndpointWithAdvisories(t *testing.T) {
	advisor := advisory.NewStaticProvider([]advisory.Snippet{
		{Title: "transfer caps", Content: "transfers are bounded", Keywords: []string{"transfer"}},
	}, 3)
	env := newTestServer(t, WithAdvisor(advisor))
	handler := env.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/intent/parse", parseRequest{
		Utterance: "send 0.5 to treasurer",
		Principal: testIdentity.Hex(),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("parse status %d: %s", rec.Code, rec.Body.String())
	}
	var resp parseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode parse response: %v", err)
	}
	if resp.Result == nil || resp.Result.Kind != intent.KindProposal {
		t.Fatalf("unexpected parse result: %+v", resp.Result)
	}
	if len(resp.Advisories) != 1 || resp.Advisories[0].Title != "transfer caps" {
		t.Fatalf("unexpected advisories: %+v", resp.Advisories)
	}
}

func TestAuthProtectedRoutes(t *testing.T) {
	store, err := auth.NewMemoryStore([]auth.Seed{{
		Username:    "operator",
		Password:    "hunter2",
		Permissions: []string{auth.PermReviewRead},
	}})
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	svc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "test-secret"},
	}, store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	env := newTestServer(t, WithAuthService(svc))
	handler := env.server.Handler()

	anonymous := doJSON(t, handler, http.MethodGet, "/api/v1/reviews", nil)
	if anonymous.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", anonymous.Code)
	}

	tokenRec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/token", auth.TokenRequest{
		Username: "operator",
		Password: "hunter2",
	})
	if tokenRec.Code != http.StatusOK {
		t.Fatalf("token status %d: %s", tokenRec.Code, tokenRec.Body.String())
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(tokenRec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode token pair: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reviews", strings.NewReader(""))
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}

	// 只读账号无权激活熔断。
	haltReq := httptest.NewRequest(http.MethodPost, "/api/v1/halt", bytes.NewReader([]byte(`{"reason":"x"}`)))
	haltReq.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	haltRec := httptest.NewRecorder()
	handler.ServeHTTP(haltRec, haltReq)
	if haltRec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing permission, got %d", haltRec.Code)
	}
}

func TestServerShutdownRejectsRequests(t *testing.T) {
	env := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	handler := withContext(ctx, env.server.Handler())
	rec := doJSON(t, handler, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", rec.Code)
	}
}
