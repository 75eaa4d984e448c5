package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// RPCClient is a lightweight JSON-RPC client for the chain node.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCClient constructs a client against the node endpoint. The timeout
// bounds every individual call in addition to the caller's context.
func NewRPCClient(baseURL, authToken string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetAccount implements Client.
func (c *RPCClient) GetAccount(ctx context.Context, address string) (*AccountInfo, error) {
	var result *struct {
		Address           string `json:"address"`
		ReceivedEventsKey string `json:"received_events_key"`
		SequenceNumber    uint64 `json:"sequence_number"`
	}
	if err := c.call(ctx, "get_account", []interface{}{address}, &result); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return &AccountInfo{
		Address:           result.Address,
		ReceivedEventsKey: result.ReceivedEventsKey,
		SequenceNumber:    result.SequenceNumber,
	}, nil
}

// GetEvents implements Client.
func (c *RPCClient) GetEvents(ctx context.Context, streamKey string, cursor uint64, limit int) ([]RawEvent, error) {
	var result []RawEvent
	if err := c.call(ctx, "get_events", []interface{}{streamKey, cursor, limit}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetCurrencies implements Client.
func (c *RPCClient) GetCurrencies(ctx context.Context) ([]CurrencyInfo, error) {
	var result []struct {
		Code string `json:"code"`
	}
	if err := c.call(ctx, "get_currencies", []interface{}{}, &result); err != nil {
		return nil, err
	}
	currencies := make([]CurrencyInfo, 0, len(result))
	for _, entry := range result {
		currencies = append(currencies, CurrencyInfo{Code: entry.Code})
	}
	return currencies, nil
}

// SendTransaction implements Client.
func (c *RPCClient) SendTransaction(ctx context.Context, currency string, amount int64, destAddress, destSubaddress string) (SendResult, error) {
	params := map[string]interface{}{
		"currency":        currency,
		"amount":          amount,
		"dest_address":    destAddress,
		"dest_subaddress": destSubaddress,
	}
	var result struct {
		TxSequence uint64 `json:"tx_sequence"`
		Raw        string `json:"raw"`
	}
	if err := c.call(ctx, "send_transaction", params, &result); err != nil {
		return SendResult{}, err
	}
	return SendResult{TxSequence: result.TxSequence, Raw: result.Raw}, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain rpc %s failed: status=%d", method, resp.StatusCode)
	}
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("chain rpc %s failed: code=%d message=%s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil || len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}
