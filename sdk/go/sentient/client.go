package sentient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the SentientExchange REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Service mirrors a marketplace service descriptor.
type Service struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	Description      string            `json:"description,omitempty"`
	Provider         string            `json:"provider,omitempty"`
	Capabilities     []string          `json:"capabilities"`
	Endpoint         string            `json:"endpoint"`
	HealthURL        string            `json:"health_url,omitempty"`
	Price            string            `json:"price"`
	Currency         string            `json:"currency,omitempty"`
	PaymentAddresses map[string]string `json:"payment_addresses,omitempty"`
}

// DiscoverRequest selects candidate services by text or capability tags.
type DiscoverRequest struct {
	Text            string   `json:"text,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	MaxPrice        string   `json:"max_price,omitempty"`
	MinRating       float64  `json:"min_rating,omitempty"`
	SkipHealthCheck bool     `json:"skip_health_check,omitempty"`
}

// DiscoverResult holds the selected service and its fallback pool.
type DiscoverResult struct {
	Selected     *Service   `json:"selected"`
	Alternatives []*Service `json:"alternatives,omitempty"`
}

// PrepareRequest drives the discovery plus payment-preparation pipeline.
type PrepareRequest struct {
	Buyer           string          `json:"buyer"`
	Text            string          `json:"text,omitempty"`
	Capabilities    []string        `json:"capabilities,omitempty"`
	MaxPayment      string          `json:"max_payment,omitempty"`
	MinRating       float64         `json:"min_rating,omitempty"`
	RequestData     json.RawMessage `json:"request_data,omitempty"`
	SkipHealthCheck bool            `json:"skip_health_check,omitempty"`
	Network         string          `json:"network,omitempty"`
}

// PaymentInstruction describes what the caller must pay and where.
type PaymentInstruction struct {
	Amount   string `json:"amount"`
	Token    string `json:"token"`
	PayTo    string `json:"pay_to"`
	Network  string `json:"network"`
	Scheme   string `json:"scheme,omitempty"`
	PriceUSD string `json:"price_usd,omitempty"`
}

// Session is the server-side payment session returned by Prepare.
type Session struct {
	ID          string              `json:"id"`
	Status      string              `json:"status"`
	Instruction *PaymentInstruction `json:"instruction,omitempty"`
	ExpiresAt   int64               `json:"expires_at"`
}

// CompleteRequest submits a payment proof for a prepared session.
type CompleteRequest struct {
	SessionID      string `json:"session_id"`
	Signature      string `json:"signature"`
	RetryOnFailure bool   `json:"retry_on_failure"`
}

// CompleteResult is the outcome of a completed session.
type CompleteResult struct {
	SessionID string          `json:"session_id"`
	ServiceID string          `json:"service_id"`
	Result    json.RawMessage `json:"result"`
	Payment   struct {
		Signature   string `json:"signature"`
		Verified    bool   `json:"verified"`
		Amount      string `json:"amount"`
		Network     string `json:"network"`
		Transaction string `json:"transaction,omitempty"`
	} `json:"payment"`
	Metadata struct {
		RetriesUsed          int      `json:"retries_used"`
		PrimaryServiceFailed bool     `json:"primary_service_failed"`
		BackupServicesTried  []string `json:"backup_services_tried,omitempty"`
	} `json:"metadata"`
}

// Limits configures spending caps for an identity.
type Limits struct {
	Identity       string `json:"identity,omitempty"`
	PerTransaction string `json:"per_transaction,omitempty"`
	Daily          string `json:"daily,omitempty"`
	Monthly        string `json:"monthly,omitempty"`
	Enabled        bool   `json:"enabled"`
}

// LimitsStatus pairs the configured limits with accumulated spend.
type LimitsStatus struct {
	Limits *Limits `json:"limits"`
	Stats  struct {
		TotalToday       string `json:"total_today"`
		TotalThisMonth   string `json:"total_this_month"`
		TransactionCount int    `json:"transaction_count"`
		LastTransaction  int64  `json:"last_transaction"`
	} `json:"stats"`
}

// Transaction is one row of the append-only ledger.
type Transaction struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	ServiceID string `json:"service_id"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller,omitempty"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	ProofRef  string `json:"proof_ref,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("sentient api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("sentient api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the SentientExchange API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// RegisterService adds a service to the marketplace catalog.
func (c *Client) RegisterService(ctx context.Context, svc Service) error {
	return c.send(ctx, http.MethodPost, "/api/v1/services", svc, nil)
}

// Discover runs the discovery pipeline and returns ranked candidates.
func (c *Client) Discover(ctx context.Context, req DiscoverRequest) (DiscoverResult, error) {
	var result DiscoverResult
	if err := c.send(ctx, http.MethodPost, "/api/v1/services/discover", req, &result); err != nil {
		return DiscoverResult{}, err
	}
	return result, nil
}

// Prepare runs discovery plus the payment challenge exchange and returns a
// session in payment_ready status.
func (c *Client) Prepare(ctx context.Context, req PrepareRequest) (Session, error) {
	var session Session
	if err := c.send(ctx, http.MethodPost, "/api/v1/payments/prepare", req, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Complete submits a payment signature for a prepared session.
func (c *Client) Complete(ctx context.Context, req CompleteRequest) (CompleteResult, error) {
	var result CompleteResult
	if err := c.send(ctx, http.MethodPost, "/api/v1/payments/complete", req, &result); err != nil {
		return CompleteResult{}, err
	}
	return result, nil
}

// GetLimits fetches the spending limits and accumulated spend for an identity.
func (c *Client) GetLimits(ctx context.Context, identity string) (LimitsStatus, error) {
	var status LimitsStatus
	endpoint := "/api/v1/limits/" + url.PathEscape(identity)
	if err := c.send(ctx, http.MethodGet, endpoint, nil, &status); err != nil {
		return LimitsStatus{}, err
	}
	return status, nil
}

// SetLimits overrides the spending limits for an identity.
func (c *Client) SetLimits(ctx context.Context, identity string, limits Limits) error {
	endpoint := "/api/v1/limits/" + url.PathEscape(identity)
	return c.send(ctx, http.MethodPut, endpoint, limits, nil)
}

// ListTransactions returns ledger rows filtered by buyer.
func (c *Client) ListTransactions(ctx context.Context, buyer string, limit int) ([]Transaction, error) {
	query := url.Values{}
	if buyer != "" {
		query.Set("buyer", buyer)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "/api/v1/transactions"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var transactions []Transaction
	if err := c.send(ctx, http.MethodGet, endpoint, nil, &transactions); err != nil {
		return nil, err
	}
	return transactions, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
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
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
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
