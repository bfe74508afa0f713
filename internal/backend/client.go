package backend

import (
	"bytes"
	"context"
	stdcrypto "crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds every backend call; timeouts surface as
	// retryable network failures.
	DefaultTimeout = 30 * time.Second

	// AllowedServerTimeSkew is how far the server's Date header may differ
	// from the local clock before sync aborts with a timing error.
	AllowedServerTimeSkew = 30 * time.Minute

	signatureHeader = "Signature"
)

// Client fetches published batches from one bucket base URL and submits
// reports to one report base URL. Construct a client per sync run with the
// URLs from the current discovery config.
type Client struct {
	httpClient    *http.Client
	bucketBaseURL string
	reportBaseURL string
	signatureKey  stdcrypto.PublicKey
	now           func() time.Time
}

// NewClient creates a backend client. signatureKey is the public key used
// to verify bucket signatures; pass nil to skip verification (tests,
// backends that do not sign).
func NewClient(bucketBaseURL, reportBaseURL string, signatureKey stdcrypto.PublicKey) *Client {
	return &Client{
		httpClient:    &http.Client{Timeout: DefaultTimeout},
		bucketBaseURL: bucketBaseURL,
		reportBaseURL: reportBaseURL,
		signatureKey:  signatureKey,
		now:           time.Now,
	}
}

// GetExposees fetches the case batch released at batchReleaseTime.
func (c *Client) GetExposees(ctx context.Context, batchReleaseTime int64) (*ExposedOverview, error) {
	url := fmt.Sprintf("%s/v1/exposed/%d", c.bucketBaseURL, batchReleaseTime)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var overview ExposedOverview
	if err := json.Unmarshal(body, &overview); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &overview, nil
}

// GetExposeeHashes fetches the auxiliary location-hash batch released at
// batchReleaseTime.
func (c *Client) GetExposeeHashes(ctx context.Context, batchReleaseTime int64) ([]string, error) {
	url := fmt.Sprintf("%s/v1/hashes/%d", c.bucketBaseURL, batchReleaseTime)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var hashes []string
	if err := json.Unmarshal(body, &hashes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return hashes, nil
}

// Report submits a disclosed key. authToken, if non-empty, is sent as a
// bearer token.
func (c *Client) Report(ctx context.Context, report *ExposeeRequest, authToken string) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	url := fmt.Sprintf("%s/v1/exposed", c.reportBaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send report: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusCodeError{Code: resp.StatusCode}
	}
	return nil
}

// FetchConfig retrieves the discovery document from discoveryURL.
func FetchConfig(ctx context.Context, httpClient *http.Client, discoveryURL string) (*AppConfig, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusCodeError{Code: resp.StatusCode}
	}
	var cfg AppConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &cfg, nil
}

// get performs a bucket GET with the full response checks: transport
// errors, server clock skew, status code, and body signature, in that
// order.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build bucket request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bucket: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkServerTime(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusCodeError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket body: %w", err)
	}
	if err := c.verifySignature(resp, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) checkServerTime(resp *http.Response) error {
	dateHeader := resp.Header.Get("Date")
	if dateHeader == "" {
		return nil
	}
	serverTime, err := http.ParseTime(dateHeader)
	if err != nil {
		return nil
	}
	offset := c.now().Sub(serverTime)
	if offset < 0 {
		offset = -offset
	}
	if offset > AllowedServerTimeSkew {
		return &TimeSkewError{Offset: offset}
	}
	return nil
}

func (c *Client) verifySignature(resp *http.Response, body []byte) error {
	if c.signatureKey == nil {
		return nil
	}
	token := resp.Header.Get(signatureHeader)
	if token == "" {
		return &SignatureError{Err: fmt.Errorf("missing %s header", signatureHeader)}
	}
	claims := &signatureClaims{}
	_, err := jwtParse(token, claims, c.signatureKey)
	if err != nil {
		return &SignatureError{Err: err}
	}
	sum := sha256.Sum256(body)
	if claims.ContentHash != base64.StdEncoding.EncodeToString(sum[:]) {
		return &SignatureError{Err: fmt.Errorf("content hash mismatch")}
	}
	return nil
}
