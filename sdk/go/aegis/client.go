package aegis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// DefaultPollInterval is the cadence WaitUntilDecided uses between polls.
const DefaultPollInterval = 500 * time.Millisecond

// Client wraps the HTTP interactions with the Aegis Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents operator credentials used to obtain access tokens.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token represents an issued access token pair.
type Token struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
}

// ReviewSubmission represents the payload required to open a review. Either
// Proposal or Utterance must be present; the server translates utterances.
type ReviewSubmission struct {
	ID        string          `json:"id,omitempty"`
	Proposal  json.RawMessage `json:"proposal,omitempty"`
	Utterance string          `json:"utterance,omitempty"`
	Principal string          `json:"principal,omitempty"`
	UseSwarm  bool            `json:"use_swarm"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Decision is the terminal outcome of a review.
type Decision struct {
	Allowed      bool     `json:"allowed"`
	Reason       string   `json:"reason"`
	Violations   []string `json:"violations,omitempty"`
	Consensus    string   `json:"consensus,omitempty"`
	ApprovalRate float64  `json:"approval_rate,omitempty"`
	TxHash       string   `json:"tx_hash,omitempty"`
}

// Review describes a queued or decided proposal review.
type Review struct {
	ID        string          `json:"id"`
	Proposal  json.RawMessage `json:"proposal"`
	UseSwarm  bool            `json:"use_swarm"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Status    string          `json:"status"`
	LastError string          `json:"last_error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Decision  *Decision       `json:"decision,omitempty"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// Decided reports whether the review reached a terminal status.
func (r Review) Decided() bool {
	switch r.Status {
	case "approved", "denied", "failed":
		return true
	default:
		return false
	}
}

// ParseResult is the structured interpretation of an utterance.
type ParseResult struct {
	Kind       string          `json:"kind"`
	Proposal   json.RawMessage `json:"proposal,omitempty"`
	Action     json.RawMessage `json:"action,omitempty"`
	Confidence float64         `json:"confidence"`
	RawText    string          `json:"raw_text"`
}

// Advisory is an operational hint returned alongside parse results.
type Advisory struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ParseOutcome bundles the parse result with any matching advisories.
type ParseOutcome struct {
	Result     *ParseResult `json:"result"`
	Advisories []Advisory   `json:"advisories,omitempty"`
}

// HaltState mirrors the halt switch status endpoint.
type HaltState struct {
	Engaged bool   `json:"engaged"`
	Reason  string `json:"reason,omitempty"`
}

// Balance is a principal's native balance in minimal units.
type Balance struct {
	Identity string `json:"identity"`
	Balance  string `json:"balance"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("aegis api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Aegis Chain API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges operator credentials for a token pair and stores the
// access token for subsequent calls. Servers running with authentication
// disabled do not expose the token endpoint; skip this call in that case.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	payload := map[string]string{
		"grant_type": "password",
		"username":   creds.Username,
		"password":   creds.Password,
	}
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", payload, &token); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// SubmitReview opens a review for the given proposal or utterance.
func (c *Client) SubmitReview(ctx context.Context, submission ReviewSubmission) (Review, error) {
	var review Review
	if err := c.post(ctx, "/api/v1/reviews", submission, &review); err != nil {
		return Review{}, err
	}
	return review, nil
}

// GetReview fetches review details by identifier.
func (c *Client) GetReview(ctx context.Context, reviewID string) (Review, error) {
	var review Review
	endpoint := "/api/v1/reviews/" + url.PathEscape(reviewID)
	if err := c.get(ctx, endpoint, &review); err != nil {
		return Review{}, err
	}
	return review, nil
}

// WaitUntilDecided polls the review until it reaches a terminal status or the
// context expires.
func (c *Client) WaitUntilDecided(ctx context.Context, reviewID string, interval time.Duration) (Review, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		review, err := c.GetReview(ctx, reviewID)
		if err != nil {
			return Review{}, err
		}
		if review.Decided() {
			return review, nil
		}
		select {
		case <-ctx.Done():
			return Review{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Parse translates a natural-language utterance without opening a review.
func (c *Client) Parse(ctx context.Context, utterance, principal string) (ParseOutcome, error) {
	payload := map[string]string{
		"utterance": utterance,
		"principal": principal,
	}
	var outcome ParseOutcome
	if err := c.post(ctx, "/api/v1/intent/parse", payload, &outcome); err != nil {
		return ParseOutcome{}, err
	}
	return outcome, nil
}

// HaltStatus reports the current halt switch state.
func (c *Client) HaltStatus(ctx context.Context) (HaltState, error) {
	var state HaltState
	if err := c.get(ctx, "/api/v1/halt", &state); err != nil {
		return HaltState{}, err
	}
	return state, nil
}

// EngageHalt trips the halt switch with an operator supplied reason.
func (c *Client) EngageHalt(ctx context.Context, reason string) (HaltState, error) {
	payload := map[string]string{"reason": reason}
	var state HaltState
	if err := c.post(ctx, "/api/v1/halt", payload, &state); err != nil {
		return HaltState{}, err
	}
	return state, nil
}

// ReleaseHalt clears the halt switch.
func (c *Client) ReleaseHalt(ctx context.Context) (HaltState, error) {
	var state HaltState
	if err := c.delete(ctx, "/api/v1/halt", &state); err != nil {
		return HaltState{}, err
	}
	return state, nil
}

// PrincipalBalance reads the current ledger balance of a principal.
func (c *Client) PrincipalBalance(ctx context.Context, identity string) (Balance, error) {
	var balance Balance
	endpoint := "/api/v1/principals/" + url.PathEscape(identity) + "/balance"
	if err := c.get(ctx, endpoint, &balance); err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) delete(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
