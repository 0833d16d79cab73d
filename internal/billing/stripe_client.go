package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"echopilot/pkg/clock"
)

// APIError represents a payment provider error response.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return e.Message
}

// StripeClient is a Stripe-style Provider over HTTP: form-encoded requests
// authenticated with a bearer secret key.
type StripeClient struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	tolerance     time.Duration
	clock         clock.Clock
	httpClient    *http.Client
}

type StripeConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Tolerance     time.Duration
	Clock         clock.Clock
}

func NewStripeClient(cfg StripeConfig) *StripeClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://api.stripe.com/v1"
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &StripeClient{
		baseURL:       base,
		secretKey:     strings.TrimSpace(cfg.SecretKey),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		tolerance:     tolerance,
		clock:         clk,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("customer_email", p.CustomerEmail)
	form.Set("success_url", p.SuccessURL)
	form.Set("cancel_url", p.CancelURL)
	form.Set("line_items[0][price_data][product_data][name]", p.PlanName)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(p.AmountCents, 10))
	form.Set("line_items[0][price_data][currency]", strings.ToLower(p.Currency))
	form.Set("line_items[0][quantity]", "1")
	for k, v := range p.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	var resp struct {
		URL string `json:"url"`
	}
	if err := c.doForm(ctx, "/checkout/sessions", form, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("checkout session has no url")
	}
	return resp.URL, nil
}

func (c *StripeClient) VerifySignature(payload []byte, sigHeader string) error {
	return VerifyPayload(c.webhookSecret, payload, sigHeader, c.clock.Now(), c.tolerance)
}

// ListEventsSince pulls events created after the cursor, oldest first. The
// returned cursor is the last event id and must be persisted by the caller.
func (c *StripeClient) ListEventsSince(ctx context.Context, cursor string) ([]Event, string, error) {
	q := url.Values{}
	q.Set("limit", "100")
	if cursor != "" {
		q.Set("ending_before", cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events?"+q.Encode(), nil)
	if err != nil {
		return nil, cursor, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, cursor, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, cursor, decodeAPIError(resp)
	}
	var list struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, cursor, fmt.Errorf("decode events: %w", err)
	}
	events := make([]Event, 0, len(list.Data))
	next := cursor
	// provider returns newest first; reverse into processing order
	for i := len(list.Data) - 1; i >= 0; i-- {
		event, err := ParseEvent(list.Data[i])
		if err != nil {
			continue
		}
		events = append(events, event)
		next = event.ID
	}
	return events, next, nil
}

func (c *StripeClient) doForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	msg := errResp.Error.Message
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{Status: resp.StatusCode, Message: msg, Code: errResp.Error.Code}
}

// ParseEvent flattens a raw provider event envelope into an Event.
func ParseEvent(raw []byte) (Event, error) {
	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID            string `json:"id"`
				Invoice       string `json:"invoice"`
				Customer      string `json:"customer"`
				Subscription  string `json:"subscription"`
				CustomerEmail string `json:"customer_email"`
				Email         string `json:"email"`
				Status        string `json:"status"`
				AmountDue     int64  `json:"amount_due"`
				AmountTotal   int64  `json:"amount_total"`
				Currency      string `json:"currency"`
				Lines        struct {
					Data []struct {
						Description string `json:"description"`
					} `json:"data"`
				} `json:"lines"`
				Metadata map[string]string `json:"metadata"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return Event{}, fmt.Errorf("event missing id or type")
	}
	obj := envelope.Data.Object
	invoiceID := obj.Invoice
	if invoiceID == "" && strings.HasPrefix(obj.ID, "in_") {
		invoiceID = obj.ID
	}
	email := obj.CustomerEmail
	if email == "" {
		email = obj.Email
	}
	amount := obj.AmountDue
	if amount == 0 {
		amount = obj.AmountTotal
	}
	plan := ""
	if len(obj.Lines.Data) > 0 {
		plan = obj.Lines.Data[0].Description
	}
	if p, ok := obj.Metadata["plan_name"]; ok && p != "" {
		plan = p
	}
	return Event{
		ID:             envelope.ID,
		Type:           envelope.Type,
		InvoiceID:      invoiceID,
		CustomerID:     obj.Customer,
		SubscriptionID: obj.Subscription,
		Email:          email,
		PlanName:       plan,
		AmountDue:      amount,
		Currency:       obj.Currency,
		Status:         obj.Status,
		Metadata:       obj.Metadata,
	}, nil
}
