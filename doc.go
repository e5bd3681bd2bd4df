// Package nativepay is a merchant-side service for WeChat Pay v3 native
// (QR code) payments.
//
// # Overview
//
// A merchant backend asks nativepay for an order; nativepay signs the request
// with the merchant key, sends it to the gateway and returns the code_url the
// shop renders as a QR code. The payer scans it, and the gateway later pushes
// an encrypted notification which nativepay authenticates, decrypts and
// records once.
//
//	┌─────────────────┐    ┌─────────────────┐    ┌─────────────────┐
//	│                 │    │                 │    │                 │
//	│  Merchant app   │◄──►│    nativepay    │◄──►│   WeChat Pay    │
//	│                 │    │                 │    │   API v3        │
//	└─────────────────┘    └─────────────────┘    └─────────────────┘
//
// # Layout
//
//   - provider/wechatpay: key store, request signer, response verifier,
//     notification decryptor and the order client. Usable as a library.
//   - provider: error taxonomy, order status, amount conversion and the
//     call log shared by every sink.
//   - handler, router: the HTTP API (/v1/orders, /webhooks/wechatpay,
//     /health, /metrics).
//   - infra/journal: SQLite journal of gateway calls and notification events.
//   - infra/opensearch, infra/metrics, infra/logger: observability.
//   - infra/config, infra/middle, infra/validate, infra/response: plumbing.
//
// # Configuration
//
// The service reads its environment, optionally seeded from .env:
//
//	WECHATPAY_MCH_ID=1900009191
//	WECHATPAY_SERIAL_NO=5157F09EFDC096DE15EBE81A47057A7232F1B8E1
//	WECHATPAY_API_V3_KEY=<32 bytes>
//	WECHATPAY_APP_ID=wxd678efh567hg6787
//	WECHATPAY_PRIVATE_KEY_PATH=./keys/apiclient_key.pem
//	WECHATPAY_PLATFORM_KEYS=PUB_KEY_ID_0114232134912410000000000000=./keys/pub_key.pem
//	WECHATPAY_NOTIFY_URL=https://shop.example.com/webhooks/wechatpay
//	API_KEY=<bearer key for /v1>
//
// See infra/config for the full list.
//
// # Library use
//
//	ks, err := wechatpay.NewKeyStore(creds)
//	client, err := wechatpay.NewClient(ks, wechatpay.WithNotifyURL(notifyURL))
//	codeURL, err := client.CreateNativeOrder(ctx, "ORD20261019001", decimal.RequireFromString("9.90"), "Entry fee")
package nativepay
