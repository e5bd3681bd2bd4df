package wechatpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mstgnz/nativepay/provider"
	"github.com/shopspring/decimal"
)

// Client talks to the gateway's order API. Every call signs a fresh request,
// verifies the reply before reading it, and keeps nothing between calls,
// so one Client serves any number of orders concurrently.
type Client struct {
	keys       *KeyStore
	signer     *Signer
	verifier   *Verifier
	http       *provider.ProviderHTTPClient
	logger     provider.CallLogger
	notifyURL  string
	currency   string
	userAgent  string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	cache      *provider.Cache[Transaction]
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at another gateway host, e.g. a sandbox or a test server.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient replaces the underlying *http.Client. Its own timeout applies.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds every gateway exchange. Ignored when WithHTTPClient is used.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithUserAgent sets the User-Agent the gateway requires.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithQueryCache serves repeated QueryOrder calls for orders in a final
// state from cache. Entries live for the cache's TTL, which bounds how long a
// later SUCCESS to REFUND transition can go unnoticed.
func WithQueryCache(cache *provider.Cache[Transaction]) Option {
	return func(c *Client) { c.cache = cache }
}

// WithNotifyURL overrides the webhook callback URL from the credentials.
func WithNotifyURL(u string) Option {
	return func(c *Client) { c.notifyURL = u }
}

// WithCurrency sets the order currency. Defaults to CNY.
func WithCurrency(currency string) Option {
	return func(c *Client) { c.currency = currency }
}

// WithCallLogger records every gateway call.
func WithCallLogger(l provider.CallLogger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a gateway client for the merchant in ks.
func NewClient(ks *KeyStore, opts ...Option) (*Client, error) {
	if ks == nil {
		return nil, configError("key store is required")
	}

	creds := ks.Credentials()
	c := &Client{
		keys:      ks,
		notifyURL: creds.NotifyURL,
		currency:  defaultCurrency,
		userAgent: defaultUserAgent,
		baseURL:   apiProductionURL,
		timeout:   provider.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.notifyURL == "" {
		return nil, configError("notify url is required")
	}
	if _, err := url.ParseRequestURI(c.notifyURL); err != nil {
		return nil, configError(fmt.Sprintf("notify url: %v", err))
	}

	c.signer = NewSigner(ks)
	c.verifier = NewVerifier(ks)
	c.http = provider.NewProviderHTTPClient(&provider.HTTPClientConfig{
		BaseURL: c.baseURL,
		Timeout: c.timeout,
		Client:  c.httpClient,
		DefaultHeaders: map[string]string{
			"Accept":     "application/json",
			"User-Agent": c.userAgent,
		},
	})
	return c, nil
}

// CreateNativeOrder places a QR code order and returns the code URL to render.
// amount is in major units (yuan).
func (c *Client) CreateNativeOrder(ctx context.Context, orderID string, amount decimal.Decimal, description string) (string, error) {
	return c.CreateNativeOrderWith(ctx, NativeOrderRequest{
		OrderID:     orderID,
		Amount:      amount,
		Description: description,
	})
}

// CreateNativeOrderWith places a QR code order with optional attach data and expiry.
func (c *Client) CreateNativeOrderWith(ctx context.Context, req NativeOrderRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}
	total, err := provider.ToMinorUnits(req.Amount)
	if err != nil {
		return "", fmt.Errorf("wechatpay: %w", err)
	}

	creds := c.keys.Credentials()
	body, err := json.Marshal(nativeOrderBody{
		AppID:       creds.AppID,
		MerchantID:  creds.MerchantID,
		Description: req.Description,
		OutTradeNo:  req.OrderID,
		TimeExpire:  req.TimeExpire,
		Attach:      req.Attach,
		NotifyURL:   c.notifyURL,
		Amount:      nativeAmount{Total: total, Currency: c.currency},
	})
	if err != nil {
		return "", fmt.Errorf("wechatpay: marshal native order: %w", err)
	}

	resp, err := c.call(ctx, "create_native_order", http.MethodPost, endpointNative, req.OrderID, body)
	if err != nil {
		return "", err
	}

	var reply nativeOrderReply
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		return "", fmt.Errorf("%w: wechatpay: native order reply: %w", provider.ErrPayloadParse, err)
	}
	if reply.CodeURL == "" {
		return "", fmt.Errorf("%w: wechatpay: native order reply has no code_url", provider.ErrPayloadParse)
	}
	return reply.CodeURL, nil
}

// QueryOrder fetches an order by merchant order id. Safe to call repeatedly.
func (c *Client) QueryOrder(ctx context.Context, orderID string) (*Transaction, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("%w: wechatpay: order id is required", provider.ErrInvalidRequest)
	}

	if c.cache != nil {
		if tx, ok := c.cache.Get(orderID); ok {
			return &tx, nil
		}
	}

	creds := c.keys.Credentials()
	endpoint := fmt.Sprintf(endpointQuery, url.PathEscape(orderID)) + "?mchid=" + url.QueryEscape(creds.MerchantID)

	resp, err := c.call(ctx, "query_order", http.MethodGet, endpoint, orderID, nil)
	if err != nil {
		return nil, err
	}

	var tx Transaction
	if err := json.Unmarshal(resp.Body, &tx); err != nil {
		return nil, fmt.Errorf("%w: wechatpay: query reply: %w", provider.ErrPayloadParse, err)
	}
	if c.cache != nil && tx.Status().IsFinal() {
		c.cache.Set(orderID, tx)
	}
	return &tx, nil
}

// QueryOrderStatus is QueryOrder reduced to the order status.
func (c *Client) QueryOrderStatus(ctx context.Context, orderID string) (provider.OrderStatus, error) {
	tx, err := c.QueryOrder(ctx, orderID)
	if err != nil {
		return provider.StatusUnknown, err
	}
	return tx.Status(), nil
}

// CloseOrder closes an unpaid order. Closing a paid or already closed order
// returns the gateway's *provider.GatewayError.
func (c *Client) CloseOrder(ctx context.Context, orderID string) error {
	if strings.TrimSpace(orderID) == "" {
		return fmt.Errorf("%w: wechatpay: order id is required", provider.ErrInvalidRequest)
	}

	body, err := json.Marshal(closeOrderBody{MerchantID: c.keys.Credentials().MerchantID})
	if err != nil {
		return fmt.Errorf("wechatpay: marshal close order: %w", err)
	}

	if c.cache != nil {
		c.cache.Delete(orderID)
	}
	endpoint := fmt.Sprintf(endpointClose, url.PathEscape(orderID))
	_, err = c.call(ctx, "close_order", http.MethodPost, endpoint, orderID, body)
	return err
}

// call runs sign -> send -> verify and turns non-2xx replies into GatewayError.
func (c *Client) call(ctx context.Context, operation, method, endpoint, orderID string, body []byte) (resp *provider.HTTPResponse, err error) {
	started := time.Now()
	defer func() {
		c.logCall(ctx, operation, method, endpoint, orderID, started, resp, err)
	}()

	authorization, err := c.signer.Authorization(method, c.http.URL(endpoint), body)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{"Authorization": authorization}
	if len(body) > 0 {
		headers["Content-Type"] = "application/json"
	}

	resp, err = c.http.Do(ctx, &provider.HTTPRequest{
		Method:   method,
		Endpoint: endpoint,
		Headers:  headers,
		Body:     body,
	})
	if err != nil {
		return nil, fmt.Errorf("wechatpay: %s: %w", operation, err)
	}

	if !resp.IsSuccess() && resp.Headers.Get(HeaderSignature) == "" {
		// Unsigned failures come from proxies or outages; only the status is trustworthy.
		return resp, &provider.GatewayError{
			StatusCode: resp.StatusCode,
			Message:    "unsigned error response",
			RequestID:  resp.Headers.Get(HeaderRequestID),
		}
	}

	if err := c.verifier.VerifyResponse(resp.Headers, resp.Body); err != nil {
		return resp, fmt.Errorf("wechatpay: %s: %w", operation, err)
	}

	if !resp.IsSuccess() {
		return resp, gatewayError(resp)
	}
	return resp, nil
}

func (c *Client) logCall(ctx context.Context, operation, method, endpoint, orderID string, started time.Time, resp *provider.HTTPResponse, err error) {
	if c.logger == nil {
		return
	}

	entry := provider.CallLog{
		ID:         uuid.NewString(),
		Timestamp:  started.UTC(),
		Provider:   ProviderName,
		Operation:  operation,
		Method:     method,
		Endpoint:   endpoint,
		OrderID:    orderID,
		Duration:   time.Since(started),
		ErrorClass: provider.Classify(err),
	}
	if resp != nil {
		entry.StatusCode = resp.StatusCode
		entry.RequestID = resp.Headers.Get(HeaderRequestID)
	}
	if err != nil {
		entry.Error = err.Error()
	}

	// Logging must outlive a cancelled caller context.
	_ = c.logger.LogCall(context.WithoutCancel(ctx), entry)
}

func gatewayError(resp *provider.HTTPResponse) *provider.GatewayError {
	gerr := &provider.GatewayError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Headers.Get(HeaderRequestID),
	}
	var reply errorReply
	if err := json.Unmarshal(resp.Body, &reply); err == nil {
		gerr.Code = reply.Code
		gerr.Message = reply.Message
	}
	return gerr
}

func validateRequest(req NativeOrderRequest) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Errorf("%w: wechatpay: %s failed on %s", provider.ErrInvalidRequest, verrs[0].Field(), verrs[0].Tag())
	}
	return fmt.Errorf("%w: wechatpay: %w", provider.ErrInvalidRequest, err)
}
