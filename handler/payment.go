package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/mstgnz/nativepay/infra/journal"
	"github.com/mstgnz/nativepay/infra/logger"
	"github.com/mstgnz/nativepay/infra/middle"
	"github.com/mstgnz/nativepay/infra/response"
	"github.com/mstgnz/nativepay/provider"
	"github.com/mstgnz/nativepay/provider/wechatpay"
)

const requestTimeout = 30 * time.Second

// OrderGateway is the subset of wechatpay.Client the order API needs.
type OrderGateway interface {
	CreateNativeOrderWith(ctx context.Context, req wechatpay.NativeOrderRequest) (string, error)
	QueryOrder(ctx context.Context, orderID string) (*wechatpay.Transaction, error)
	CloseOrder(ctx context.Context, orderID string) error
}

// OrderHistory reads what the journal recorded for an order.
type OrderHistory interface {
	Calls(ctx context.Context, orderID string, limit int) ([]provider.CallLog, error)
	Events(ctx context.Context, orderID string) ([]journal.Event, error)
}

// CallSearcher finds call logs indexed in OpenSearch.
type CallSearcher interface {
	SearchCalls(ctx context.Context, providerName, orderID string, size int) ([]provider.CallLog, error)
}

// SearchHistory serves order history from indexed call logs when the journal
// is disabled. Webhook events are only journaled, so Events is always empty.
type SearchHistory struct {
	searcher     CallSearcher
	providerName string
}

// NewSearchHistory reads calls for providerName from searcher.
func NewSearchHistory(searcher CallSearcher, providerName string) *SearchHistory {
	return &SearchHistory{searcher: searcher, providerName: providerName}
}

func (s *SearchHistory) Calls(ctx context.Context, orderID string, limit int) ([]provider.CallLog, error) {
	return s.searcher.SearchCalls(ctx, s.providerName, orderID, limit)
}

func (s *SearchHistory) Events(context.Context, string) ([]journal.Event, error) {
	return nil, nil
}

// PaymentHandler handles the merchant order API
type PaymentHandler struct {
	gateway  OrderGateway
	history  OrderHistory
	validate *validator.Validate
}

// NewPaymentHandler creates a new payment handler. validate must carry the
// tags from infra/validate. history may be nil when neither the journal nor
// OpenSearch records calls.
func NewPaymentHandler(gateway OrderGateway, history OrderHistory, validate *validator.Validate) *PaymentHandler {
	return &PaymentHandler{
		gateway:  gateway,
		history:  history,
		validate: validate,
	}
}

// CreatedOrder is the reply to a native order request.
type CreatedOrder struct {
	OrderID string `json:"order_id"`
	CodeURL string `json:"code_url"`
}

// OrderView is the merchant-facing summary of a queried transaction.
type OrderView struct {
	OrderID        string               `json:"order_id"`
	TransactionID  string               `json:"transaction_id,omitempty"`
	Status         provider.OrderStatus `json:"status"`
	TradeState     string               `json:"trade_state"`
	TradeStateDesc string               `json:"trade_state_desc,omitempty"`
	Final          bool                 `json:"final"`
	Amount         string               `json:"amount,omitempty"`
	Currency       string               `json:"currency,omitempty"`
	SuccessTime    string               `json:"success_time,omitempty"`
}

func newOrderView(tx *wechatpay.Transaction) OrderView {
	status := tx.Status()
	view := OrderView{
		OrderID:        tx.OutTradeNo,
		TransactionID:  tx.TransactionID,
		Status:         status,
		TradeState:     tx.TradeState,
		TradeStateDesc: tx.TradeStateDesc,
		Final:          status.IsFinal(),
		SuccessTime:    tx.SuccessTime,
	}
	if tx.Amount != nil {
		view.Amount = provider.FormatMajorUnits(tx.Amount.Total)
		view.Currency = tx.Amount.Currency
	}
	return view
}

// CreateNativeOrder handles POST /v1/orders/native
func (h *PaymentHandler) CreateNativeOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var req wechatpay.NativeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "Validation error", err)
		return
	}
	if err := h.validate.Var(req.OrderID, "out_trade_no"); err != nil {
		response.Error(w, http.StatusBadRequest, "Validation error", errors.New("order_id may only contain letters, digits and _-|*"))
		return
	}
	if err := h.validate.Var(req.TimeExpire, "omitempty,rfc3339"); err != nil {
		response.Error(w, http.StatusBadRequest, "Validation error", errors.New("time_expire must be an RFC 3339 timestamp"))
		return
	}
	if _, err := provider.ToMinorUnits(req.Amount); err != nil {
		response.Error(w, http.StatusBadRequest, "Validation error", err)
		return
	}

	codeURL, err := h.gateway.CreateNativeOrderWith(ctx, req)
	if err != nil {
		writeGatewayFailure(w, r, "Order creation failed", req.OrderID, err)
		return
	}

	response.Success(w, http.StatusCreated, "Order created", CreatedOrder{
		OrderID: req.OrderID,
		CodeURL: codeURL,
	})
}

// GetOrder handles GET /v1/orders/{orderID}
func (h *PaymentHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		response.Error(w, http.StatusBadRequest, "Missing order ID", nil)
		return
	}

	tx, err := h.gateway.QueryOrder(ctx, orderID)
	if err != nil {
		writeGatewayFailure(w, r, "Failed to query order", orderID, err)
		return
	}

	response.Success(w, http.StatusOK, "Order retrieved", newOrderView(tx))
}

// CloseOrder handles POST /v1/orders/{orderID}/close
func (h *PaymentHandler) CloseOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		response.Error(w, http.StatusBadRequest, "Missing order ID", nil)
		return
	}

	if err := h.gateway.CloseOrder(ctx, orderID); err != nil {
		writeGatewayFailure(w, r, "Failed to close order", orderID, err)
		return
	}

	response.Success(w, http.StatusOK, "Order closed", map[string]any{
		"order_id": orderID,
		"status":   provider.StatusClosed,
	})
}

// GetOrderHistory handles GET /v1/orders/{orderID}/history
func (h *PaymentHandler) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		response.Error(w, http.StatusNotFound, "Order history is not recorded", nil)
		return
	}

	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		response.Error(w, http.StatusBadRequest, "Missing order ID", nil)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			response.Error(w, http.StatusBadRequest, "limit must be between 1 and 500", nil)
			return
		}
		limit = parsed
	}

	calls, err := h.history.Calls(r.Context(), orderID, limit)
	if err != nil {
		logger.Error("Failed to read gateway calls", err, logger.LogContext{RequestID: middle.GetRequestID(r.Context())})
		response.Error(w, http.StatusInternalServerError, "Failed to read order history", nil)
		return
	}
	events, err := h.history.Events(r.Context(), orderID)
	if err != nil {
		logger.Error("Failed to read webhook events", err, logger.LogContext{RequestID: middle.GetRequestID(r.Context())})
		response.Error(w, http.StatusInternalServerError, "Failed to read order history", nil)
		return
	}

	if calls == nil {
		calls = []provider.CallLog{}
	}
	if events == nil {
		events = []journal.Event{}
	}
	response.Success(w, http.StatusOK, "Order history retrieved", map[string]any{
		"order_id": orderID,
		"calls":    calls,
		"events":   events,
	})
}

// statusFor maps a gateway client failure onto the HTTP status of the order API.
func statusFor(err error) int {
	var gwErr *provider.GatewayError
	switch {
	case errors.Is(err, provider.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.As(err, &gwErr):
		if gwErr.StatusCode == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case errors.Is(err, provider.ErrGateway),
		errors.Is(err, provider.ErrSignatureVerification),
		errors.Is(err, provider.ErrUnknownKeyID),
		errors.Is(err, provider.ErrDecryption),
		errors.Is(err, provider.ErrPayloadParse):
		return http.StatusBadGateway
	case errors.Is(err, provider.ErrNetwork):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeGatewayFailure(w http.ResponseWriter, r *http.Request, message, orderID string, err error) {
	status := statusFor(err)
	logCtx := logger.LogContext{
		Provider:  wechatpay.ProviderName,
		RequestID: middle.GetRequestID(r.Context()),
		Fields: map[string]any{
			"order_id": orderID,
			"class":    provider.Classify(err),
			"status":   status,
		},
	}

	resp := response.Response{
		Code:    status,
		Success: false,
		Message: message,
	}

	switch {
	case status == http.StatusInternalServerError:
		logger.Error(message, err, logCtx)
	case status >= http.StatusInternalServerError:
		logger.Warn(message+": "+err.Error(), logCtx)
		resp.Error = err.Error()
	default:
		resp.Error = err.Error()
	}

	var gwErr *provider.GatewayError
	if errors.As(err, &gwErr) {
		resp.Data = gwErr
	}

	response.WriteJSON(w, status, resp)
}
