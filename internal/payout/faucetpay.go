package payout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"faucet-bot/internal/faucet"
)

const statusOK = 200

// APIError is a response that FaucetPay answered but did not accept.
type APIError struct {
	StatusCode int
	Status     int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("faucetpay: %s (http %d, status %d)", e.Message, e.StatusCode, e.Status)
	}
	return fmt.Sprintf("faucetpay: unexpected response (http %d): %s", e.StatusCode, e.Body)
}

// Declined is true when the API explicitly refused the request. Server errors
// and unreadable bodies leave the outcome unknown.
func (e *APIError) Declined() bool {
	if e.StatusCode >= 500 {
		return false
	}
	return (e.Status != 0 && e.Status != statusOK) || e.StatusCode >= 400
}

// Client talks to the FaucetPay merchant API.
type Client struct {
	APIKey     string
	APIURL     string
	IPAddress  string
	Decimals   int32
	HTTPClient *http.Client
}

func NewClient(apiKey, apiURL, ipAddress string, decimals int32, timeout time.Duration) *Client {
	return &Client{
		APIKey:    apiKey,
		APIURL:    strings.TrimRight(apiURL, "/"),
		IPAddress: ipAddress,
		Decimals:  decimals,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ToUnits converts amount into the provider's integer base units, truncating
// anything below one unit.
func (c *Client) ToUnits(amount decimal.Decimal) int64 {
	return amount.Shift(c.Decimals).IntPart()
}

// FromUnits converts base units back into a decimal amount.
func (c *Client) FromUnits(units decimal.Decimal) decimal.Decimal {
	return units.Shift(-c.Decimals)
}

// Send pays amount to destination. The receipt amount is what the API was
// asked to send after conversion to base units.
func (c *Client) Send(ctx context.Context, destination string, amount decimal.Decimal, currency string) (*faucet.PayoutReceipt, error) {
	units := c.ToUnits(amount)
	if units <= 0 {
		return nil, &APIError{Status: -1, Message: fmt.Sprintf("amount %s is below one base unit", amount.String())}
	}

	form := url.Values{}
	form.Set("to", destination)
	form.Set("amount", fmt.Sprintf("%d", units))
	form.Set("currency", currency)
	form.Set("ip_address", c.IPAddress)

	var resp SendResponse
	if err := c.doRequest(ctx, "/send", form, &resp); err != nil {
		return nil, err
	}
	if resp.PayoutID == "" {
		log.WithField("destination", destination).Warn("FaucetPay confirmed payout without payout_id")
	}

	return &faucet.PayoutReceipt{
		Reference: string(resp.PayoutID),
		Amount:    c.FromUnits(decimal.NewFromInt(units)),
	}, nil
}

// Balance returns the faucet reserve for currency.
func (c *Client) Balance(ctx context.Context, currency string) (decimal.Decimal, error) {
	form := url.Values{}
	form.Set("currency", currency)

	var resp BalanceResponse
	if err := c.doRequest(ctx, "/getbalance", form, &resp); err != nil {
		return decimal.Zero, err
	}
	units, err := decimal.NewFromString(string(resp.Balance))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse balance %q: %w", resp.Balance, err)
	}
	return c.FromUnits(units), nil
}

// doRequest posts form to endpoint and decodes a successful answer into out.
func (c *Client) doRequest(ctx context.Context, endpoint string, form url.Values, out interface{ status() apiResponse }) error {
	form.Set("api_key", c.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL+endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.New().String()
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Request-Id", requestID)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"endpoint":   endpoint,
			"request_id": requestID,
		}).Warn("FaucetPay request failed")
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	st := out.status()
	if resp.StatusCode != http.StatusOK || st.Status != statusOK {
		return &APIError{
			StatusCode: resp.StatusCode,
			Status:     st.Status,
			Message:    st.Message,
			Body:       string(respBody),
		}
	}
	return nil
}

func (r apiResponse) status() apiResponse { return r }
