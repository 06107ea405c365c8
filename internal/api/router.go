package api

import (
	"net/http"
	"time"

	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.Logger, h.Metrics))

	r.Get("/healthz", h.Health)
	if h.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", h.MetricsHandler)
	}

	r.Route("/purchases", func(r chi.Router) {
		r.With(h.rateLimit).Post("/", h.CreatePurchase)
		r.Get("/{purchaseID}", h.GetPurchase)
		r.Get("/{purchaseID}/events", h.PurchaseEvents)
		r.Post("/{purchaseID}/cancel", h.CancelPurchase)
		r.Post("/{purchaseID}/confirm", h.ResumePurchase)
	})

	r.Route("/payments", func(r chi.Router) {
		r.With(h.rateLimit).Post("/", h.InitiatePayment)
		r.Post("/webhook", h.GatewayWebhook)
	})

	r.Route("/tickets", func(r chi.Router) {
		r.Post("/{ticketID}/check-in", h.CheckInTicket)
		r.Post("/{ticketID}/regenerate", h.RegenerateTicket)
	})

	r.Get("/tiers/{tierID}/availability", h.TierAvailability)

	h.Logger.Info("ROUTER", "Routes registered: /purchases, /payments, /tickets, /tiers, /healthz")
	return r
}

func requestLogger(log *logger.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)
			log.LogAPI(r.Method, r.URL.Path, ww.Status(), elapsed)

			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			m.ObserveRequest(r.Method, route, ww.Status(), elapsed)
		})
	}
}
