package v1

import (
	"github.com/go-chi/chi/v5"
	"github.com/mstgnz/nativepay/handler"
)

// Routes registers the merchant order API. Authentication and rate limiting
// are applied by the caller.
func Routes(r chi.Router, payment *handler.PaymentHandler) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/native", payment.CreateNativeOrder)
		r.Get("/{orderID}", payment.GetOrder)
		r.Post("/{orderID}/close", payment.CloseOrder)
		r.Get("/{orderID}/history", payment.GetOrderHistory)
	})
}
