package wechatpay

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mstgnz/nativepay/provider"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func yuan(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type gatewayReply struct {
	status   int
	body     string
	unsigned bool
}

type capturedRequest struct {
	Method         string
	URI            string
	ContentType    string
	UserAgent      string
	Nonce          string
	Body           []byte
	SignatureValid bool
}

// stubGateway plays the payment gateway: it checks the merchant signature on
// every request and signs every reply with a platform key.
type stubGateway struct {
	srv      *httptest.Server
	merchant *rsa.PublicKey
	signKey  *rsa.PrivateKey
	keyID    string

	mu       sync.Mutex
	requests []capturedRequest
	reply    func(r *http.Request, body []byte) gatewayReply
	mutate   func(h http.Header)
}

func newStubGateway(t *testing.T, reply func(r *http.Request, body []byte) gatewayReply) *stubGateway {
	t.Helper()
	merchant, platform, _ := testKeys(t)
	gw := &stubGateway{
		merchant: &merchant.PublicKey,
		signKey:  platform,
		keyID:    testPlatformID,
		reply:    reply,
	}
	gw.srv = httptest.NewServer(http.HandlerFunc(gw.serve))
	t.Cleanup(gw.srv.Close)
	return gw
}

func (gw *stubGateway) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	captured := capturedRequest{
		Method:      r.Method,
		URI:         r.URL.RequestURI(),
		ContentType: r.Header.Get("Content-Type"),
		UserAgent:   r.Header.Get("User-Agent"),
		Body:        body,
	}
	if m := authorizationPattern.FindStringSubmatch(r.Header.Get("Authorization")); m != nil {
		captured.Nonce = m[2]
		msg := r.Method + "\n" + captured.URI + "\n" + m[4] + "\n" + m[2] + "\n" + string(body) + "\n"
		digest := sha256.Sum256([]byte(msg))
		sig, err := base64.StdEncoding.DecodeString(m[3])
		captured.SignatureValid = err == nil &&
			m[1] == testMerchantID && m[5] == testSerialNo &&
			rsa.VerifyPKCS1v15(gw.merchant, crypto.SHA256, digest[:], sig) == nil
	}

	gw.mu.Lock()
	gw.requests = append(gw.requests, captured)
	reply, mutate, signKey, keyID := gw.reply, gw.mutate, gw.signKey, gw.keyID
	gw.mu.Unlock()

	out := reply(r, body)
	if !out.unsigned {
		ts := fmt.Sprintf("%d", time.Now().Unix())
		nonce := "5K8264ILTKCH16CQ2502SI8ZNMTM67VS"
		msg := ts + "\n" + nonce + "\n" + out.body + "\n"
		digest := sha256.Sum256([]byte(msg))
		sig, err := rsa.SignPKCS1v15(nil, signKey, crypto.SHA256, digest[:])
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set(HeaderTimestamp, ts)
		w.Header().Set(HeaderNonce, nonce)
		w.Header().Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
		w.Header().Set(HeaderSerial, keyID)
	}
	w.Header().Set(HeaderRequestID, "08F78BB5AF0610D302A9D0D12A4B-1")
	if mutate != nil {
		mutate(w.Header())
	}
	if out.body != "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(out.status)
	_, _ = io.WriteString(w, out.body)
}

func (gw *stubGateway) setMutate(f func(h http.Header)) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.mutate = f
}

func (gw *stubGateway) setSigner(key *rsa.PrivateKey, keyID string) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.signKey, gw.keyID = key, keyID
}

func (gw *stubGateway) captured() []capturedRequest {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return append([]capturedRequest(nil), gw.requests...)
}

func (gw *stubGateway) client(t *testing.T, opts ...Option) *Client {
	t.Helper()
	base := []Option{WithBaseURL(gw.srv.URL), WithHTTPClient(gw.srv.Client())}
	c, err := NewClient(newTestKeyStore(t), append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func replyJSON(status int, body string) func(*http.Request, []byte) gatewayReply {
	return func(*http.Request, []byte) gatewayReply {
		return gatewayReply{status: status, body: body}
	}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []provider.CallLog
}

func (l *recordingLogger) LogCall(_ context.Context, entry provider.CallLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func TestNewClient_Configuration(t *testing.T) {
	_, err := NewClient(nil)
	assert.ErrorIs(t, err, provider.ErrConfiguration)

	merchant, platform, _ := testKeys(t)
	creds := testCredentials()
	creds.NotifyURL = ""
	ks, err := NewKeyStoreFromKeys(creds, merchant, map[string]*rsa.PublicKey{testPlatformID: &platform.PublicKey})
	require.NoError(t, err)

	_, err = NewClient(ks)
	assert.ErrorIs(t, err, provider.ErrConfiguration)

	c, err := NewClient(ks, WithNotifyURL("https://merchant.example.com/notify"))
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestClient_CreateNativeOrder(t *testing.T) {
	const codeURL = "weixin://wxpay/bizpayurl?pr=p4lpSuKzz"
	gw := newStubGateway(t, replyJSON(http.StatusOK, `{"code_url":"`+codeURL+`"}`))
	c := gw.client(t)

	got, err := c.CreateNativeOrder(context.Background(), "ORD-1", yuan("9.90"), "Entry fee")
	require.NoError(t, err)
	assert.Equal(t, codeURL, got)

	reqs := gw.captured()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v3/pay/transactions/native", req.URI)
	assert.Equal(t, "application/json", req.ContentType)
	assert.NotEmpty(t, req.UserAgent)
	assert.True(t, req.SignatureValid)

	var sent struct {
		AppID       string `json:"appid"`
		MerchantID  string `json:"mchid"`
		Description string `json:"description"`
		OutTradeNo  string `json:"out_trade_no"`
		NotifyURL   string `json:"notify_url"`
		Amount      struct {
			Total    int64  `json:"total"`
			Currency string `json:"currency"`
		} `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(req.Body, &sent))
	assert.Equal(t, testAppID, sent.AppID)
	assert.Equal(t, testMerchantID, sent.MerchantID)
	assert.Equal(t, "Entry fee", sent.Description)
	assert.Equal(t, "ORD-1", sent.OutTradeNo)
	assert.Equal(t, testNotifyURL, sent.NotifyURL)
	assert.Equal(t, int64(990), sent.Amount.Total)
	assert.Equal(t, "CNY", sent.Amount.Currency)
}

func TestClient_CreateNativeOrderWith_OptionalFields(t *testing.T) {
	gw := newStubGateway(t, replyJSON(http.StatusOK, `{"code_url":"weixin://wxpay/bizpayurl?pr=abc"}`))
	c := gw.client(t, WithCurrency("USD"))

	_, err := c.CreateNativeOrderWith(context.Background(), NativeOrderRequest{
		OrderID:     "ORD-2",
		Amount:      yuan("123.45"),
		Description: "Annual membership",
		Attach:      "member:42",
		TimeExpire:  "2026-10-19T12:00:00+08:00",
	})
	require.NoError(t, err)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(gw.captured()[0].Body, &sent))
	assert.Equal(t, "member:42", sent["attach"])
	assert.Equal(t, "2026-10-19T12:00:00+08:00", sent["time_expire"])
	amount := sent["amount"].(map[string]any)
	assert.Equal(t, float64(12345), amount["total"])
	assert.Equal(t, "USD", amount["currency"])
}

func TestClient_CreateNativeOrder_TamperedReply(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h http.Header)
	}{
		{"nonce byte", func(h http.Header) {
			n := []byte(h.Get(HeaderNonce))
			n[0] ^= 0x01
			h.Set(HeaderNonce, string(n))
		}},
		{"timestamp", func(h http.Header) { h.Set(HeaderTimestamp, "1554208460") }},
		{"unknown serial", func(h http.Header) { h.Set(HeaderSerial, "PUB_KEY_ID_UNKNOWN") }},
		{"signature removed on success", func(h http.Header) { h.Del(HeaderSignature) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newStubGateway(t, replyJSON(http.StatusOK, `{"code_url":"weixin://wxpay/bizpayurl?pr=evil"}`))
			gw.setMutate(tt.mutate)
			c := gw.client(t)

			got, err := c.CreateNativeOrder(context.Background(), "ORD-1", yuan("9.90"), "Entry fee")
			assert.Empty(t, got)
			assert.ErrorIs(t, err, provider.ErrSignatureVerification)
			assert.NotErrorIs(t, err, provider.ErrGateway)
		})
	}
}

func TestClient_CreateNativeOrder_RotatedPlatformKey(t *testing.T) {
	_, _, rotated := testKeys(t)
	gw := newStubGateway(t, replyJSON(http.StatusOK, `{"code_url":"weixin://wxpay/bizpayurl?pr=rot"}`))
	gw.setSigner(rotated, testRotatedID)

	got, err := gw.client(t).CreateNativeOrder(context.Background(), "ORD-1", decimal.NewFromInt(1), "Entry fee")
	require.NoError(t, err)
	assert.Equal(t, "weixin://wxpay/bizpayurl?pr=rot", got)
}

func TestClient_CreateNativeOrder_InvalidInput(t *testing.T) {
	gw := newStubGateway(t, replyJSON(http.StatusOK, `{"code_url":"x"}`))
	c := gw.client(t)

	tests := []struct {
		name        string
		orderID     string
		amount      string
		description string
	}{
		{"zero amount", "ORD-1", "0", "Entry fee"},
		{"negative amount", "ORD-1", "-9.9", "Entry fee"},
		{"sub cent amount", "ORD-1", "0.004", "Entry fee"},
		{"three decimals", "ORD-1", "9.999", "Entry fee"},
		{"half cent", "ORD-1", "1.005", "Entry fee"},
		{"empty order id", "", "9.9", "Entry fee"},
		{"order id too long", strings.Repeat("A", 33), "9.9", "Entry fee"},
		{"empty description", "ORD-1", "9.9", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CreateNativeOrder(context.Background(), tt.orderID, decimal.RequireFromString(tt.amount), tt.description)
			assert.ErrorIs(t, err, provider.ErrInvalidRequest)
		})
	}
	assert.Empty(t, gw.captured(), "invalid input must not reach the gateway")
}

func TestClient_CreateNativeOrder_MalformedReply(t *testing.T) {
	for _, body := range []string{`not json`, `{}`, `{"code_url":""}`} {
		t.Run(body, func(t *testing.T) {
			gw := newStubGateway(t, replyJSON(http.StatusOK, body))
			_, err := gw.client(t).CreateNativeOrder(context.Background(), "ORD-1", yuan("9.9"), "Entry fee")
			assert.ErrorIs(t, err, provider.ErrPayloadParse)
		})
	}
}

func TestClient_QueryOrderStatus(t *testing.T) {
	tests := []struct {
		tradeState string
		want       provider.OrderStatus
	}{
		{"NOTPAY", provider.StatusNotPay},
		{"SUCCESS", provider.StatusSuccess},
		{"CLOSED", provider.StatusClosed},
		{"REFUND", provider.StatusRefund},
		{"REVOKED", provider.StatusRevoked},
		{"PAYERROR", provider.StatusUnknown},
		{"USERPAYING", provider.StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.tradeState, func(t *testing.T) {
			gw := newStubGateway(t, replyJSON(http.StatusOK,
				`{"out_trade_no":"ORD-1","trade_state":"`+tt.tradeState+`","amount":{"total":990,"currency":"CNY"}}`))

			got, err := gw.client(t).QueryOrderStatus(context.Background(), "ORD-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			req := gw.captured()[0]
			assert.Equal(t, http.MethodGet, req.Method)
			assert.Equal(t, "/v3/pay/transactions/out-trade-no/ORD-1?mchid="+testMerchantID, req.URI)
			assert.Empty(t, req.Body)
			assert.Empty(t, req.ContentType)
			assert.True(t, req.SignatureValid)
		})
	}
}

func TestClient_QueryOrder(t *testing.T) {
	gw := newStubGateway(t, replyJSON(http.StatusOK, string(readFixture(t, "transaction_success.json"))))

	tx, err := gw.client(t).QueryOrder(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", tx.OutTradeNo)
	assert.Equal(t, "1217752501201407033233368018", tx.TransactionID)
	require.NotNil(t, tx.Amount)
	assert.Equal(t, int64(990), tx.Amount.Total)
	require.NotNil(t, tx.Payer)
	assert.Equal(t, "oUpF8uMuAJO_M2pxb1Q9zNjWeS6o", tx.Payer.OpenID)
	assert.True(t, tx.Status().IsFinal())
}

func TestClient_QueryOrder_NotFound(t *testing.T) {
	gw := newStubGateway(t, replyJSON(http.StatusNotFound, `{"code":"ORDER_NOT_EXIST","message":"订单不存在"}`))

	_, err := gw.client(t).QueryOrder(context.Background(), "ORD-404")
	var gerr *provider.GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, http.StatusNotFound, gerr.StatusCode)
	assert.Equal(t, "ORDER_NOT_EXIST", gerr.Code)
}

func TestClient_QueryOrder_Cache(t *testing.T) {
	var state atomic.Value
	state.Store("NOTPAY")
	gw := newStubGateway(t, func(*http.Request, []byte) gatewayReply {
		return gatewayReply{status: http.StatusOK, body: `{"out_trade_no":"ORD-1","trade_state":"` + state.Load().(string) + `"}`}
	})
	cache := provider.NewCache[Transaction](10, time.Minute)
	c := gw.client(t, WithQueryCache(cache))
	ctx := context.Background()

	// Pending orders always go to the gateway.
	for range 2 {
		status, err := c.QueryOrderStatus(ctx, "ORD-1")
		require.NoError(t, err)
		assert.Equal(t, provider.StatusNotPay, status)
	}
	assert.Len(t, gw.captured(), 2)

	state.Store("SUCCESS")
	for range 3 {
		status, err := c.QueryOrderStatus(ctx, "ORD-1")
		require.NoError(t, err)
		assert.Equal(t, provider.StatusSuccess, status)
	}
	assert.Len(t, gw.captured(), 3, "final states are served from cache")
	assert.Equal(t, int64(2), cache.Stats().Hits)

	// A close attempt drops the cached entry.
	_ = c.CloseOrder(ctx, "ORD-1")
	_, err := c.QueryOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Len(t, gw.captured(), 5)
}

func TestClient_CloseOrder(t *testing.T) {
	gw := newStubGateway(t, func(*http.Request, []byte) gatewayReply {
		return gatewayReply{status: http.StatusNoContent}
	})

	require.NoError(t, gw.client(t).CloseOrder(context.Background(), "ORD-1"))

	req := gw.captured()[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v3/pay/transactions/out-trade-no/ORD-1/close", req.URI)
	assert.JSONEq(t, `{"mchid":"`+testMerchantID+`"}`, string(req.Body))
	assert.True(t, req.SignatureValid)
}

func TestClient_CloseOrder_AlreadyClosed(t *testing.T) {
	gw := newStubGateway(t, replyJSON(http.StatusBadRequest, `{"code":"ORDER_CLOSED","message":"订单已关闭"}`))

	err := gw.client(t).CloseOrder(context.Background(), "ORD-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrGateway)

	var gerr *provider.GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, http.StatusBadRequest, gerr.StatusCode)
	assert.Equal(t, "ORDER_CLOSED", gerr.Code)
	assert.Equal(t, "订单已关闭", gerr.Message)
	assert.Equal(t, "08F78BB5AF0610D302A9D0D12A4B-1", gerr.RequestID)
}

func TestClient_UnsignedErrorReply(t *testing.T) {
	gw := newStubGateway(t, func(*http.Request, []byte) gatewayReply {
		return gatewayReply{status: http.StatusBadGateway, body: `{"code":"SYSTEM_ERROR","message":"forged"}`, unsigned: true}
	})

	err := gw.client(t).CloseOrder(context.Background(), "ORD-1")
	var gerr *provider.GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, http.StatusBadGateway, gerr.StatusCode)
	assert.Empty(t, gerr.Code, "unsigned body must not be trusted")
}

func TestClient_SignedErrorReplyTampered(t *testing.T) {
	gw := newStubGateway(t, replyJSON(http.StatusBadRequest, `{"code":"ORDER_CLOSED","message":"订单已关闭"}`))
	gw.setMutate(func(h http.Header) { h.Set(HeaderTimestamp, "1") })

	err := gw.client(t).CloseOrder(context.Background(), "ORD-1")
	assert.ErrorIs(t, err, provider.ErrSignatureVerification)
	assert.NotErrorIs(t, err, provider.ErrGateway)
}

func TestClient_ContextCancelled(t *testing.T) {
	released := make(chan struct{})
	gw := newStubGateway(t, func(r *http.Request, _ []byte) gatewayReply {
		select {
		case <-r.Context().Done():
		case <-released:
		}
		return gatewayReply{status: http.StatusOK, body: `{}`}
	})
	defer close(released)
	c := gw.client(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.QueryOrder(ctx, "ORD-1")
	assert.ErrorIs(t, err, provider.ErrNetwork)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_DeadlineExceeded(t *testing.T) {
	released := make(chan struct{})
	gw := newStubGateway(t, func(r *http.Request, _ []byte) gatewayReply {
		select {
		case <-r.Context().Done():
		case <-released:
		}
		return gatewayReply{status: http.StatusOK, body: `{}`}
	})
	defer close(released)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := gw.client(t).CreateNativeOrder(ctx, "ORD-1", yuan("9.9"), "Entry fee")
	assert.ErrorIs(t, err, provider.ErrNetwork)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_GatewayUnreachable(t *testing.T) {
	gw := newStubGateway(t, replyJSON(http.StatusOK, `{}`))
	c := gw.client(t)
	gw.srv.Close()

	err := c.CloseOrder(context.Background(), "ORD-1")
	assert.ErrorIs(t, err, provider.ErrNetwork)
}

func TestClient_ConcurrentOrders(t *testing.T) {
	gw := newStubGateway(t, func(_ *http.Request, body []byte) gatewayReply {
		var sent struct {
			OutTradeNo string `json:"out_trade_no"`
		}
		_ = json.Unmarshal(body, &sent)
		return gatewayReply{status: http.StatusOK, body: `{"code_url":"weixin://wxpay/bizpayurl?pr=` + sent.OutTradeNo + `"}`}
	})
	c := gw.client(t)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("ORD-%d", i)
			got, err := c.CreateNativeOrder(context.Background(), id, decimal.NewFromInt(int64(i+1)), "Entry fee")
			if err != nil {
				errs <- err
				return
			}
			if got != "weixin://wxpay/bizpayurl?pr="+id {
				errs <- fmt.Errorf("order %s got %s", id, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	nonces := make(map[string]bool)
	for _, req := range gw.captured() {
		assert.True(t, req.SignatureValid)
		assert.False(t, nonces[req.Nonce], "nonce reused across calls")
		nonces[req.Nonce] = true
	}
	assert.Len(t, nonces, n)
}

func TestClient_CallLogger(t *testing.T) {
	gw := newStubGateway(t, func(r *http.Request, _ []byte) gatewayReply {
		if strings.HasSuffix(r.URL.Path, "/close") {
			return gatewayReply{status: http.StatusBadRequest, body: `{"code":"ORDER_PAID","message":"订单已支付"}`}
		}
		return gatewayReply{status: http.StatusOK, body: `{"out_trade_no":"ORD-1","trade_state":"SUCCESS"}`}
	})
	rec := &recordingLogger{}
	c := gw.client(t, WithCallLogger(rec))

	_, err := c.QueryOrder(context.Background(), "ORD-1")
	require.NoError(t, err)
	err = c.CloseOrder(context.Background(), "ORD-1")
	require.Error(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.entries, 2)

	query := rec.entries[0]
	assert.Equal(t, ProviderName, query.Provider)
	assert.Equal(t, "query_order", query.Operation)
	assert.Equal(t, "ORD-1", query.OrderID)
	assert.Equal(t, http.StatusOK, query.StatusCode)
	assert.Equal(t, "ok", query.ErrorClass)
	assert.NotEmpty(t, query.ID)

	closeCall := rec.entries[1]
	assert.Equal(t, "close_order", closeCall.Operation)
	assert.Equal(t, http.StatusBadRequest, closeCall.StatusCode)
	assert.Equal(t, "gateway", closeCall.ErrorClass)
	assert.Contains(t, closeCall.Error, "ORDER_PAID")
}

func TestClient_EmptyOrderID(t *testing.T) {
	gw := newStubGateway(t, replyJSON(http.StatusOK, `{}`))
	c := gw.client(t)

	_, err := c.QueryOrder(context.Background(), " ")
	assert.ErrorIs(t, err, provider.ErrInvalidRequest)
	assert.True(t, errors.Is(c.CloseOrder(context.Background(), ""), provider.ErrInvalidRequest))
	assert.Empty(t, gw.captured())
}
