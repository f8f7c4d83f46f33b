/**
 * @description
 * This package provides a client for the payment processor's REST API
 * (a Stripe-compatible surface). It encapsulates authenticated HTTP requests,
 * form-encoded bodies, response parsing, and — the part the escrow ledger
 * actually depends on — classification of every failure into exactly three
 * categories: Retryable, Rejected, or Unknown.
 *
 * Money-moving calls (create intent, create transfer, cancel intent) accept a
 * stable idempotency key derived from the payment id so that network retries
 * cannot duplicate a financial effect.
 *
 * @dependencies
 * - context, encoding/json, net/http, net/url, strconv, time: Standard Go libraries.
 */
package stripeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// FailureClass tells the escrow ledger how to treat a gateway failure.
type FailureClass int

const (
	// FailureRetryable covers transport errors and 5xx/429 responses; safe to
	// retry with the same idempotency key.
	FailureRetryable FailureClass = iota
	// FailureRejected covers 4xx business failures (declined card, disabled
	// account); terminal for the attempt.
	FailureRejected
	// FailureUnknown covers ambiguous outcomes (timeout after send,
	// unparsable body); must never be treated as success and requires
	// reconciliation.
	FailureUnknown
)

// Client is a client for the processor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new processor API client. The HTTP timeout bounds every
// call; a request that exceeds it is classified Unknown, not retried blindly.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// PaymentIntent is the processor-side object representing an in-progress
// payment attempt.
type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"` // requires_payment_method | processing | succeeded | canceled
	Amount       int64  `json:"amount"`
}

// Transfer is a completed payout instruction to a connected account.
type Transfer struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
}

// Account is a connected account with its capability flags.
type Account struct {
	ID               string `json:"id"`
	DetailsSubmitted bool   `json:"details_submitted"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
}

// AccountLink is a one-time hosted onboarding URL.
type AccountLink struct {
	URL string `json:"url"`
}

// APIError is a non-2xx response from the processor.
type APIError struct {
	StatusCode int
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("processor api error (status %d): %s - %s", e.StatusCode, e.Code, e.Message)
}

// errAmbiguous wraps failures where the request may or may not have been
// applied by the processor.
var errAmbiguous = errors.New("processor response ambiguous")

// Classify maps any error returned by this package to a FailureClass.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return FailureRetryable
		}
		return FailureRejected
	}

	if errors.Is(err, errAmbiguous) || errors.Is(err, context.DeadlineExceeded) {
		return FailureUnknown
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// A timed-out request may have reached the processor; everything else
		// (refused connection, DNS) never left, so a retry is safe.
		if urlErr.Timeout() {
			return FailureUnknown
		}
		return FailureRetryable
	}

	return FailureUnknown
}

// CreatePaymentIntent creates an intent scoped to the escrow amount. The
// returned client secret is handed to the investor's browser for confirmation.
func (c *Client) CreatePaymentIntent(ctx context.Context, amount int64, idempotencyKey string) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("currency", "usd")
	form.Set("capture_method", "automatic")

	var intent PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", form, idempotencyKey, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// GetPaymentIntent fetches the current state of an intent; used by the
// reconciliation sweep to resolve ambiguous confirmation outcomes.
func (c *Client) GetPaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+intentID, nil, "", &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// CancelPaymentIntent abandons an unconfirmed intent.
func (c *Client) CancelPaymentIntent(ctx context.Context, intentID, idempotencyKey string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents/"+intentID+"/cancel", url.Values{}, idempotencyKey, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// CreateTransfer moves the BG's share from the platform balance to the BG's
// connected account. The platform fee is whatever stays behind.
func (c *Client) CreateTransfer(ctx context.Context, amount int64, destinationAccountID, idempotencyKey string) (*Transfer, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("currency", "usd")
	form.Set("destination", destinationAccountID)

	var transfer Transfer
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", form, idempotencyKey, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// CreateAccount provisions a new express connected account for a BG.
func (c *Client) CreateAccount(ctx context.Context) (*Account, error) {
	form := url.Values{}
	form.Set("type", "express")

	var account Account
	if err := c.do(ctx, http.MethodPost, "/v1/accounts", form, "", &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// GetAccount fetches the connected account's capability flags.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var account Account
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+accountID, nil, "", &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// CreateAccountLink produces a hosted onboarding URL for the account.
func (c *Client) CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (*AccountLink, error) {
	form := url.Values{}
	form.Set("account", accountID)
	form.Set("refresh_url", refreshURL)
	form.Set("return_url", returnURL)
	form.Set("type", "account_onboarding")

	var link AccountLink
	if err := c.do(ctx, http.MethodPost, "/v1/account_links", form, "", &link); err != nil {
		return nil, err
	}
	return &link, nil
}

// do executes one API call and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create processor request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %v", errAmbiguous, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var wrapper struct {
			Error APIError `json:"error"`
		}
		if err := json.Unmarshal(bodyBytes, &wrapper); err != nil {
			log.Printf("level=warn component=stripe_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			return fmt.Errorf("%w: status %d with undecodable error body", errAmbiguous, resp.StatusCode)
		}
		apiErr := wrapper.Error
		apiErr.StatusCode = resp.StatusCode
		log.Printf("level=warn component=stripe_client op=%s status=%d code=%q msg=%q", path, resp.StatusCode, apiErr.Code, apiErr.Message)
		return &apiErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("%w: failed to decode success response: %v", errAmbiguous, err)
	}
	return nil
}
