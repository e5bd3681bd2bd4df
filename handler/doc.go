// Package handler provides the HTTP handlers of the nativepay service.
//
// The handlers bridge chi routes with the WeChat Pay client in
// provider/wechatpay and with the SQLite journal.
//
// # Order API
//
// PaymentHandler exposes the merchant order operations:
//
//	paymentHandler := handler.NewPaymentHandler(client, journal, validate)
//
//	r.Post("/v1/orders/native", paymentHandler.CreateNativeOrder)
//	r.Get("/v1/orders/{orderID}", paymentHandler.GetOrder)
//	r.Post("/v1/orders/{orderID}/close", paymentHandler.CloseOrder)
//	r.Get("/v1/orders/{orderID}/history", paymentHandler.GetOrderHistory)
//
// Example request:
//
//	POST /v1/orders/native
//	Authorization: Bearer your-api-key
//	Content-Type: application/json
//
//	{"order_id": "ORD-1", "amount": "9.90", "description": "Entry fee"}
//
// amount may be a JSON number or string and carries at most two decimals;
// 9.999 is rejected with 400 rather than rounded.
//
// replies 201 with the QR code URL:
//
//	{
//	  "code": 201,
//	  "success": true,
//	  "message": "Order created",
//	  "data": {"order_id": "ORD-1", "code_url": "weixin://wxpay/bizpayurl?pr=..."}
//	}
//
// Gateway failures keep the gateway's code and message in data:
//
//	{
//	  "code": 502,
//	  "success": false,
//	  "message": "Failed to close order",
//	  "error": "gateway error: HTTP 400 ORDER_PAID: order already paid",
//	  "data": {"statusCode": 400, "code": "ORDER_PAID", "message": "order already paid", "requestId": "..."}
//	}
//
// # Status codes
//
//   - 400 Bad Request: malformed JSON or validation error
//   - 404 Not Found: the gateway does not know the order
//   - 502 Bad Gateway: the gateway refused the call, or its reply could not be verified
//   - 504 Gateway Timeout: the gateway could not be reached in time
//
// # Webhooks
//
// WebhookHandler verifies and decrypts notifications and passes them to an
// EventSink. The gateway redelivers anything not acknowledged with a 2xx, so
// the handler only answers {"code":"SUCCESS"} after the sink succeeded.
// Redelivered events are acknowledged again without being stored twice.
package handler
