// Package bpx talks to the Backpack Exchange REST API. Authenticated
// requests are signed with the account's ED25519 key over the instruction
// name, the sorted parameters and a timestamp window.
package bpx

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const signatureWindowMS = 5000

const (
	codeResourceNotFound  = "RESOURCE_NOT_FOUND"
	codeInsufficientFunds = "INSUFFICIENT_FUNDS"
)

// APIError is a non-2xx response from the exchange.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backpack api %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backpack api %d: %s", e.Status, e.Message)
}

// IsCode reports whether err is an APIError carrying the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client is a REST client bound to one API key pair. A client built with
// empty credentials can only call public endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	apiKey  string
	priv    ed25519.PrivateKey
	log     *zap.Logger
	now     func() time.Time
}

// NewClient builds a client. apiSecret is the base64 encoded ED25519 seed
// issued by the exchange.
func NewClient(baseURL string, timeout time.Duration, apiKey, apiSecret string, log *zap.Logger) (*Client, error) {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		apiKey:  apiKey,
		log:     log,
		now:     time.Now,
	}
	if apiSecret != "" {
		seed, err := base64.StdEncoding.DecodeString(apiSecret)
		if err != nil {
			return nil, fmt.Errorf("decode api secret: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("api secret must be a %d byte ed25519 seed", ed25519.SeedSize)
		}
		c.priv = ed25519.NewKeyFromSeed(seed)
	}
	return c, nil
}

// Get issues a GET. params become the query string and, when instruction is
// set, the signing payload.
func (c *Client) Get(ctx context.Context, path, instruction string, params map[string]any, out any) error {
	return c.do(ctx, http.MethodGet, path, instruction, params, out)
}

func (c *Client) Post(ctx context.Context, path, instruction string, params map[string]any, out any) error {
	return c.do(ctx, http.MethodPost, path, instruction, params, out)
}

func (c *Client) Delete(ctx context.Context, path, instruction string, params map[string]any, out any) error {
	return c.do(ctx, http.MethodDelete, path, instruction, params, out)
}

func (c *Client) Patch(ctx context.Context, path, instruction string, params map[string]any, out any) error {
	return c.do(ctx, http.MethodPatch, path, instruction, params, out)
}

func (c *Client) do(ctx context.Context, method, path, instruction string, params map[string]any, out any) error {
	endpoint := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			query := url.Values{}
			for k, v := range params {
				query.Set(k, signValue(v))
			}
			endpoint += "?" + query.Encode()
		}
	} else if len(params) > 0 {
		payload, err := json.Marshal(params)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if instruction != "" {
		if c.priv == nil {
			return errors.New("client has no signing key")
		}
		ts := c.now().UnixMilli()
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("X-Signature", c.sign(instruction, params, ts))
		req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("X-Window", strconv.Itoa(signatureWindowMS))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		apiErr := &APIError{Status: resp.StatusCode, Message: string(raw)}
		var decoded struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &decoded) == nil && decoded.Code != "" {
			apiErr.Code = decoded.Code
			apiErr.Message = decoded.Message
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// sign builds the canonical message the exchange verifies: the instruction
// name, parameters in key order, then timestamp and window.
func (c *Client) sign(instruction string, params map[string]any, ts int64) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("instruction=")
	b.WriteString(instruction)
	for _, k := range keys {
		b.WriteString("&")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(signValue(params[k]))
	}
	fmt.Fprintf(&b, "&timestamp=%d&window=%d", ts, signatureWindowMS)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(c.priv, []byte(b.String())))
}

func signValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
