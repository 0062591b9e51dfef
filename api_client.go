package assetexchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/asset-exchange-go/settlement"
)

// APIClient handles HTTP requests to an exchange node
type APIClient struct {
	host   string
	token  string
	client *http.Client
}

// NewAPIClient creates a new API client. token is the operator bearer token
// and may be empty for read-only use.
func NewAPIClient(host, token string) *APIClient {
	return &APIClient{
		host:  strings.TrimRight(host, "/"),
		token: token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// doRequest performs an HTTP request
func (c *APIClient) doRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	return resp, nil
}

// decodeJSONResponse reads the response body, checks HTTP status, and decodes JSON
func (c *APIClient) decodeJSONResponse(resp *http.Response, result interface{}) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		var e ErrorResponse
		if json.Unmarshal(bodyBytes, &e) == nil && e.Error != "" {
			apiErr.Code = e.Code
			apiErr.Message = e.Error
		} else {
			apiErr.Message = string(bodyBytes)
			if apiErr.Message == "" {
				apiErr.Message = resp.Status
			}
		}
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, result); err != nil {
		// include the body for debugging
		bodyStr := string(bodyBytes)
		if len(bodyStr) > 200 {
			bodyStr = bodyStr[:200] + "..."
		}
		return fmt.Errorf("failed to decode JSON response: %w (body: %s)", err, bodyStr)
	}

	return nil
}

func (c *APIClient) call(ctx context.Context, method, endpoint string, body, result interface{}) error {
	resp, err := c.doRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.decodeJSONResponse(resp, result)
}

// GetNonce fetches the current nonce of a signer
func (c *APIClient) GetNonce(ctx context.Context, signer common.Address) (*NonceResponse, error) {
	var result NonceResponse
	if err := c.call(ctx, http.MethodGet, "/v1/nonces/"+signer.Hex(), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CurrentPrice asks for a listing's floor. A zero at means the node's clock;
// an empty affiliate quotes without a referrer.
func (c *APIClient) CurrentPrice(ctx context.Context, listing ListingData, at int64, affiliate string) (*PriceResponse, error) {
	q := url.Values{}
	if at != 0 {
		q.Set("at", strconv.FormatInt(at, 10))
	}
	if affiliate != "" {
		q.Set("affiliate", affiliate)
	}
	endpoint := "/v1/price"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var result PriceResponse
	if err := c.call(ctx, http.MethodPost, endpoint, listing, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DirectBuy relays a direct purchase
func (c *APIClient) DirectBuy(ctx context.Context, in DirectBuyInput) (*settlement.Receipt, error) {
	var result settlement.Receipt
	if err := c.call(ctx, http.MethodPost, "/v1/direct-buy", in, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FinalizeAuction relays an auction finalization
func (c *APIClient) FinalizeAuction(ctx context.Context, in FinalizeInput) (*settlement.Receipt, error) {
	var result settlement.Receipt
	if err := c.call(ctx, http.MethodPost, "/v1/auctions/finalize", in, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PreflightDirectBuy checks a direct purchase without settling it
func (c *APIClient) PreflightDirectBuy(ctx context.Context, in DirectBuyInput) (*PreflightResponse, error) {
	var result PreflightResponse
	if err := c.call(ctx, http.MethodPost, "/v1/preflight/direct-buy", in, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PreflightFinalize checks an auction finalization without settling it
func (c *APIClient) PreflightFinalize(ctx context.Context, in FinalizeInput) (*PreflightResponse, error) {
	var result PreflightResponse
	if err := c.call(ctx, http.MethodPost, "/v1/preflight/finalize", in, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelNonce relays a signed nonce cancellation and returns the new nonce
func (c *APIClient) CancelNonce(ctx context.Context, in SignedCancel) (*NonceResponse, error) {
	var result NonceResponse
	if err := c.call(ctx, http.MethodPost, "/v1/nonces/cancel", in, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LatestReceipts fetches up to limit receipts, newest first
func (c *APIClient) LatestReceipts(ctx context.Context, limit int) (*ReceiptsResponse, error) {
	endpoint := "/v1/receipts"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var result ReceiptsResponse
	if err := c.call(ctx, http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetReceipt fetches one receipt by id
func (c *APIClient) GetReceipt(ctx context.Context, id string) (*settlement.Receipt, error) {
	var result settlement.Receipt
	if err := c.call(ctx, http.MethodGet, "/v1/receipts/"+url.PathEscape(id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
