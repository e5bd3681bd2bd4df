package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/mstgnz/nativepay/infra/journal"
	"github.com/mstgnz/nativepay/infra/logger"
	"github.com/mstgnz/nativepay/infra/middle"
	"github.com/mstgnz/nativepay/infra/response"
	"github.com/mstgnz/nativepay/provider"
	"github.com/mstgnz/nativepay/provider/wechatpay"
)

const webhookTimeout = 10 * time.Second

// NotificationParser authenticates and decrypts a webhook request.
type NotificationParser interface {
	ParseRequest(r *http.Request) (*wechatpay.Notification, error)
}

// EventSink receives verified notifications. duplicate reports an event that
// was already handled; it is acknowledged without further processing.
type EventSink interface {
	HandleNotification(ctx context.Context, n *wechatpay.Notification) (duplicate bool, err error)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, n *wechatpay.Notification) (bool, error)

// HandleNotification implements EventSink.
func (f EventSinkFunc) HandleNotification(ctx context.Context, n *wechatpay.Notification) (bool, error) {
	return f(ctx, n)
}

// EventRecorder persists notifications, e.g. *journal.Journal.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev journal.Event) (bool, error)
}

// JournalSink records each notification once, keyed by its event id.
type JournalSink struct {
	recorder EventRecorder
}

// NewJournalSink creates a sink backed by recorder
func NewJournalSink(recorder EventRecorder) *JournalSink {
	return &JournalSink{recorder: recorder}
}

// HandleNotification implements EventSink.
func (s *JournalSink) HandleNotification(ctx context.Context, n *wechatpay.Notification) (bool, error) {
	ev := journal.Event{
		ID:         n.ID,
		EventType:  n.EventType,
		ReceivedAt: time.Now().UTC(),
	}
	if tx := n.Transaction; tx != nil {
		ev.OrderID = tx.OutTradeNo
		ev.TransactionID = tx.TransactionID
		ev.TradeState = tx.TradeState
	}

	inserted, err := s.recorder.RecordEvent(ctx, ev)
	if err != nil {
		return false, err
	}
	return !inserted, nil
}

// WebhookObserver counts webhook outcomes, e.g. *metrics.Collector.
type WebhookObserver interface {
	ObserveWebhook(providerName, result string)
}

// WebhookHandler receives gateway notifications
type WebhookHandler struct {
	parser   NotificationParser
	sink     EventSink
	observer WebhookObserver
}

// NewWebhookHandler creates a webhook handler. observer may be nil.
func NewWebhookHandler(parser NotificationParser, sink EventSink, observer WebhookObserver) *WebhookHandler {
	return &WebhookHandler{
		parser:   parser,
		sink:     sink,
		observer: observer,
	}
}

// notifyReply is the acknowledgement body the gateway expects.
type notifyReply struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// rejectionMessages never echo error details back to the sender.
var rejectionMessages = map[string]string{
	"signature":  "signature verification failed",
	"decryption": "resource decryption failed",
	"parse":      "malformed notification",
}

// HandleWeChatPay handles POST /webhooks/wechatpay. Anything but a 2xx makes
// the gateway redeliver, so only verified and stored events are acknowledged.
func (h *WebhookHandler) HandleWeChatPay(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), webhookTimeout)
	defer cancel()

	log := logger.WithRequest(wechatpay.ProviderName, middle.GetRequestID(ctx)).
		AddField("client_ip", middle.GetClientIP(r))

	notification, err := h.parser.ParseRequest(r)
	if err != nil {
		class := provider.Classify(err)
		status := http.StatusBadRequest
		if class == "signature" {
			status = http.StatusUnauthorized
		}
		message, ok := rejectionMessages[class]
		if !ok {
			message = "notification rejected"
		}

		h.observe(class)
		log.AddField("class", class).AddField("error", err.Error()).Warn("Webhook rejected")
		response.WriteJSON(w, status, notifyReply{Code: "FAIL", Message: message})
		return
	}

	log = log.AddField("event_id", notification.ID).AddField("event_type", notification.EventType)
	if tx := notification.Transaction; tx != nil {
		log = log.AddField("order_id", tx.OutTradeNo).AddField("trade_state", tx.TradeState)
	}

	duplicate, err := h.sink.HandleNotification(ctx, notification)
	if err != nil {
		h.observe("sink_error")
		log.Error("Webhook event could not be stored", err)
		response.WriteJSON(w, http.StatusInternalServerError, notifyReply{Code: "FAIL", Message: "internal error"})
		return
	}

	if duplicate {
		h.observe("duplicate")
		log.Info("Webhook event already handled")
	} else {
		h.observe("accepted")
		log.Info("Webhook event accepted")
	}
	response.WriteJSON(w, http.StatusOK, notifyReply{Code: "SUCCESS"})
}

func (h *WebhookHandler) observe(result string) {
	if h.observer != nil {
		h.observer.ObserveWebhook(wechatpay.ProviderName, result)
	}
}
