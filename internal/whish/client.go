package whish

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/stepperslife/settlement/pkg/clients"
	"github.com/stepperslife/settlement/pkg/logging"
)

// Payment statuses reported by the collect-status endpoint and callbacks.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusPending = "pending"
)

// Client talks to the Whish collect API. Authentication is three plain
// headers (channel, secret, websiteurl); callbacks are HMAC-signed with
// the callback secret.
type Client struct {
	baseURL        string
	channel        string
	secret         string
	websiteURL     string
	callbackSecret string
	httpClient     *http.Client
	executor       failsafe.Executor[*http.Response]
	logger         logging.Logger
}

// Config for creating a new Whish client
type Config struct {
	BaseURL        string // WHISH_BASE_URL
	Channel        string // WHISH_CHANNEL
	Secret         string // WHISH_SECRET
	WebsiteURL     string // WHISH_WEBSITE_URL
	CallbackSecret string // WHISH_CALLBACK_SECRET, signs inbound callbacks
	Logger         logging.Logger
}

// NewClient creates a new Whish client
func NewClient(config Config) (*Client, error) {
	if config.Channel == "" || config.Secret == "" || config.WebsiteURL == "" {
		return nil, fmt.Errorf("missing Whish credentials (channel/secret/websiteurl)")
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.sandbox.whish.money/itel-service/api/"
	}

	return &Client{
		baseURL:        config.BaseURL,
		channel:        config.Channel,
		secret:         config.Secret,
		websiteURL:     config.WebsiteURL,
		callbackSecret: config.CallbackSecret,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		executor:       clients.NewHTTPExecutor(clients.DefaultHTTPExecutorConfig()),
		logger:         config.Logger,
	}, nil
}

type apiRequest struct {
	Amount             *float64 `json:"amount,omitempty"`
	Currency           string   `json:"currency,omitempty"`
	Invoice            string   `json:"invoice,omitempty"`
	ExternalID         string   `json:"externalId,omitempty"`
	SuccessCallbackURL string   `json:"successCallbackUrl,omitempty"`
	FailureCallbackURL string   `json:"failureCallbackUrl,omitempty"`
	SuccessRedirectURL string   `json:"successRedirectUrl,omitempty"`
	FailureRedirectURL string   `json:"failureRedirectUrl,omitempty"`
}

type apiResponse struct {
	Status bool                   `json:"status"`
	Code   interface{}            `json:"code"`
	Dialog interface{}            `json:"dialog"`
	Data   map[string]interface{} `json:"data"`
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, payload interface{}) (*apiResponse, error) {
	url := c.baseURL + endpoint

	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("channel", c.channel)
		req.Header.Set("secret", c.secret)
		req.Header.Set("websiteurl", c.websiteURL)
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("whish request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse whish response: %w", err)
	}

	if !parsed.Status {
		code := fmt.Sprintf("%v", parsed.Code)
		if dialog, ok := parsed.Dialog.(map[string]interface{}); ok {
			if msg, ok := dialog["message"].(string); ok {
				return &parsed, fmt.Errorf("whish API error: %s - %s", code, msg)
			}
		}
		return &parsed, fmt.Errorf("whish API error: %s", code)
	}

	return &parsed, nil
}

// CollectParams for creating a collect URL
type CollectParams struct {
	OrderID            string // carried as externalId, correlates callbacks
	AmountCents        int64
	Currency           string
	Invoice            string
	SuccessCallbackURL string
	FailureCallbackURL string
	SuccessRedirectURL string
	FailureRedirectURL string
}

// CreateCollectURL creates a payment and returns the hosted collect URL
func (c *Client) CreateCollectURL(ctx context.Context, params CollectParams) (string, error) {
	amount := float64(params.AmountCents) / 100
	resp, err := c.doRequest(ctx, http.MethodPost, "payment/whish", apiRequest{
		Amount:             &amount,
		Currency:           params.Currency,
		Invoice:            params.Invoice,
		ExternalID:         params.OrderID,
		SuccessCallbackURL: params.SuccessCallbackURL,
		FailureCallbackURL: params.FailureCallbackURL,
		SuccessRedirectURL: params.SuccessRedirectURL,
		FailureRedirectURL: params.FailureRedirectURL,
	})
	if err != nil {
		return "", err
	}

	collectURL, ok := resp.Data["collectUrl"].(string)
	if !ok {
		return "", fmt.Errorf("failed to parse collect URL from response")
	}

	c.logger.WithFields(map[string]interface{}{
		"order_id": params.OrderID,
		"currency": params.Currency,
	}).Info("Created Whish collect URL")

	return collectURL, nil
}

// GetCollectStatus polls the status of a collect by order id.
// Returns one of StatusSuccess, StatusFailed or StatusPending.
func (c *Client) GetCollectStatus(ctx context.Context, currency, orderID string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "payment/collect/status", apiRequest{
		Currency:   currency,
		ExternalID: orderID,
	})
	if err != nil {
		return "", err
	}

	status, ok := resp.Data["collectStatus"].(string)
	if !ok {
		return "", fmt.Errorf("failed to parse collect status from response")
	}
	return status, nil
}

// VerifyCallback checks the HMAC-SHA256 signature over the raw callback body.
func (c *Client) VerifyCallback(payload []byte, signature string) bool {
	if c.callbackSecret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.callbackSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// Callback is the JSON body Whish posts to our callback endpoint
type Callback struct {
	ExternalID    string `json:"externalId"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"collectStatus"`
	Currency      string `json:"currency"`
	Amount        int64  `json:"amountCents"`
}
