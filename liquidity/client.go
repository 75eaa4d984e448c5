package liquidity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProvider talks to the liquidity provider's REST API.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPProvider constructs a provider client. The timeout bounds every
// individual call in addition to the caller's context.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetQuote implements Provider.
func (p *HTTPProvider) GetQuote(ctx context.Context, pair CurrencyPair, amount int64) (Quote, error) {
	req := map[string]interface{}{
		"base_currency":  pair.Base,
		"quote_currency": pair.Quote,
		"amount":         amount,
	}
	var resp struct {
		QuoteID   string `json:"quote_id"`
		Rate      int64  `json:"rate"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := p.post(ctx, "/quotes", req, &resp); err != nil {
		return Quote{}, err
	}
	return Quote{
		QuoteID:   resp.QuoteID,
		Rate:      Rate{Pair: pair, Rate: resp.Rate},
		ExpiresAt: time.Unix(resp.ExpiresAt, 0).UTC(),
	}, nil
}

// TradeAndExecute implements Provider.
func (p *HTTPProvider) TradeAndExecute(ctx context.Context, quoteID string, direction Direction, destination string) (string, error) {
	req := map[string]interface{}{
		"quote_id":    quoteID,
		"direction":   string(direction),
		"destination": destination,
	}
	var resp struct {
		TradeID string `json:"trade_id"`
	}
	if err := p.post(ctx, "/trades", req, &resp); err != nil {
		return "", err
	}
	return resp.TradeID, nil
}

// LPDetails implements Provider.
func (p *HTTPProvider) LPDetails(ctx context.Context) (Details, error) {
	var resp struct {
		DepositAddress string `json:"deposit_address"`
	}
	if err := p.post(ctx, "/details", nil, &resp); err != nil {
		return Details{}, err
	}
	return Details{DepositAddress: resp.DepositAddress}, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, payload, out interface{}) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("liquidity %s failed: status=%d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
