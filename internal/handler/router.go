package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/tiffin-ledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса учёта тиффинов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/customers", func(r chi.Router) {
			r.Post("/", h.CreateCustomer)
			r.Get("/", h.ListCustomers)
			r.Get("/{customerID}", h.GetCustomer)
			r.Post("/{customerID}/undo", h.UndoLast)
			r.Get("/{customerID}/cycles", h.GetCycleHistory)
			r.Post("/{customerID}/cycles/{cycleID}/pay", h.MarkCyclePaid)
		})

		r.Post("/deliveries", h.RecordDelivery)

		r.Get("/reports", h.GetReports)
		r.Get("/reports/export", h.ExportReports)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
