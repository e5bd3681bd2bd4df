package wechatpay

import (
	"encoding/json"

	"github.com/mstgnz/nativepay/provider"
	"github.com/shopspring/decimal"
)

const (
	// ProviderName labels logs, metrics and routes for this gateway.
	ProviderName = "wechatpay"

	// AuthScheme is the Authorization scheme token for RSA-SHA256 signed requests.
	AuthScheme = "WECHATPAY2-SHA256-RSA2048"

	// Gateway response and webhook signature headers.
	HeaderTimestamp = "Wechatpay-Timestamp"
	HeaderNonce     = "Wechatpay-Nonce"
	HeaderSignature = "Wechatpay-Signature"
	HeaderSerial    = "Wechatpay-Serial"
	HeaderRequestID = "Request-ID"

	// AlgorithmAESGCM is the only resource encryption the gateway uses.
	AlgorithmAESGCM = "AEAD_AES_256_GCM"

	// API URLs
	apiProductionURL = "https://api.mch.weixin.qq.com"

	// API Endpoints
	endpointNative = "/v3/pay/transactions/native"
	endpointQuery  = "/v3/pay/transactions/out-trade-no/%s"
	endpointClose  = "/v3/pay/transactions/out-trade-no/%s/close"

	defaultCurrency  = "CNY"
	defaultUserAgent = "nativepay/1.0 (+https://github.com/mstgnz/nativepay)"

	// apiSecretLength is the required length of the API v3 secret (AES-256 key).
	apiSecretLength = 32
	minRSAKeyBits   = 2048
)

// MerchantCredentials identifies the merchant account and where its keys live.
type MerchantCredentials struct {
	MerchantID              string `json:"mchid" validate:"required"`
	CertificateSerialNumber string `json:"serial_no" validate:"required"`
	APISecret               string `json:"-" validate:"required,len=32"`
	AppID                   string `json:"appid" validate:"required"`
	PrivateKeyPath          string `json:"-"`
	// PlatformKeys maps platform key id (serial) to a PEM file path.
	PlatformKeys map[string]string `json:"-"`
	NotifyURL    string            `json:"notify_url,omitempty" validate:"omitempty,url"`
}

// SignedRequest is the material of one signed outbound call.
type SignedRequest struct {
	Method       string
	CanonicalURI string
	Timestamp    string
	Nonce        string
	Body         string
	Signature    string
}

// VerifiedEnvelope is what a response or webhook claims about its own signature.
type VerifiedEnvelope struct {
	Timestamp string
	Nonce     string
	Body      []byte
	Signature string
	KeyID     string
}

// NotificationEnvelope is the encrypted resource of a webhook.
type NotificationEnvelope struct {
	Algorithm      string `json:"algorithm"`
	Ciphertext     string `json:"ciphertext"`
	Nonce          string `json:"nonce"`
	AssociatedData string `json:"associated_data"`
	OriginalType   string `json:"original_type,omitempty"`
}

// Amount is the amount block of a transaction, in minor units.
type Amount struct {
	Total         int64  `json:"total"`
	PayerTotal    int64  `json:"payer_total,omitempty"`
	Currency      string `json:"currency,omitempty"`
	PayerCurrency string `json:"payer_currency,omitempty"`
}

// Payer identifies who paid.
type Payer struct {
	OpenID string `json:"openid,omitempty"`
}

// Transaction is an order as reported by the gateway, from a query or a webhook.
type Transaction struct {
	AppID          string  `json:"appid,omitempty"`
	MerchantID     string  `json:"mchid,omitempty"`
	OutTradeNo     string  `json:"out_trade_no"`
	TransactionID  string  `json:"transaction_id,omitempty"`
	TradeType      string  `json:"trade_type,omitempty"`
	TradeState     string  `json:"trade_state"`
	TradeStateDesc string  `json:"trade_state_desc,omitempty"`
	BankType       string  `json:"bank_type,omitempty"`
	Attach         string  `json:"attach,omitempty"`
	SuccessTime    string  `json:"success_time,omitempty"`
	Payer          *Payer  `json:"payer,omitempty"`
	Amount         *Amount `json:"amount,omitempty"`
}

// Status maps TradeState onto provider.OrderStatus.
func (t *Transaction) Status() provider.OrderStatus {
	return provider.ParseOrderStatus(t.TradeState)
}

// Notification is a verified and decrypted webhook event.
type Notification struct {
	ID           string               `json:"id"`
	CreateTime   string               `json:"create_time"`
	EventType    string               `json:"event_type"`
	ResourceType string               `json:"resource_type"`
	Summary      string               `json:"summary"`
	Resource     NotificationEnvelope `json:"resource"`

	// Plaintext is the decrypted resource exactly as the gateway sent it.
	Plaintext json.RawMessage `json:"-"`
	// Transaction is set when the resource is a transaction.
	Transaction *Transaction `json:"-"`
}

// NativeOrderRequest is the full input of a native (QR code) order.
type NativeOrderRequest struct {
	OrderID string `json:"order_id" validate:"required,max=32"`
	// Amount is in major units and accepts a JSON number or string; at most two decimals.
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" validate:"required,max=127"`
	Attach      string          `json:"attach,omitempty" validate:"max=128"`
	// TimeExpire is an RFC 3339 deadline after which the gateway closes the order.
	TimeExpire string `json:"time_expire,omitempty"`
}

type nativeAmount struct {
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

type nativeOrderBody struct {
	AppID       string       `json:"appid"`
	MerchantID  string       `json:"mchid"`
	Description string       `json:"description"`
	OutTradeNo  string       `json:"out_trade_no"`
	TimeExpire  string       `json:"time_expire,omitempty"`
	Attach      string       `json:"attach,omitempty"`
	NotifyURL   string       `json:"notify_url"`
	Amount      nativeAmount `json:"amount"`
}

type nativeOrderReply struct {
	CodeURL string `json:"code_url"`
}

type closeOrderBody struct {
	MerchantID string `json:"mchid"`
}

type errorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
