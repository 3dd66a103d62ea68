// Package handler содержит HTTP-обработчики API сервиса учёта тиффинов.
package handler

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/tiffin-ledger/internal/model"
	"github.com/mmeshcher/tiffin-ledger/internal/repository"
	"github.com/mmeshcher/tiffin-ledger/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateCustomer(ctx context.Context, name, phone, address string, startDate time.Time, priceRupees float64, cycleLimit int) (int64, error)
	GetCustomer(ctx context.Context, id int64) (*model.Customer, error)
	ListCustomers(ctx context.Context) ([]model.Customer, error)
	RecordDelivery(ctx context.Context, customerID int64, date time.Time, slot, operator string) (time.Time, error)
	UndoLast(ctx context.Context, customerID int64) (int64, error)
	GetReports(ctx context.Context, slot string, start, end *time.Time) ([]model.Delivery, error)
	GetCycleHistory(ctx context.Context, customerID int64) ([]model.CycleHistoryEntry, error)
	MarkCyclePaid(ctx context.Context, customerID, cycleID int64) error
}

// Handler реализует HTTP-обработчики API сервиса учёта тиффинов.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

type createCustomerRequest struct {
	Name           string  `json:"name"`
	Phone          string  `json:"phone"`
	Address        string  `json:"address"`
	StartDate      string  `json:"start_date"`
	PricePerTiffin float64 `json:"price_per_tiffin"`
	CycleLimit     int     `json:"cycle_limit"`
}

// CreateCustomer регистрирует нового клиента и открывает его первый цикл.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req createCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Name == "" || req.Phone == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	startDate := time.Now()
	if req.StartDate != "" {
		parsed, err := time.Parse(time.DateOnly, req.StartDate)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		startDate = parsed
	}

	id, err := h.service.CreateCustomer(r.Context(), req.Name, req.Phone, req.Address, startDate, req.PricePerTiffin, req.CycleLimit)
	if err != nil {
		if errors.Is(err, service.ErrInvalidPrice) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("create customer error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]int64{"id": id}); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

type cycleResponse struct {
	StartDate    string `json:"start_date"`
	TiffinsTaken int    `json:"tiffins_taken"`
	Status       string `json:"status"`
}

type customerResponse struct {
	ID             int64         `json:"id"`
	Name           string        `json:"name"`
	Phone          string        `json:"phone"`
	Address        string        `json:"address,omitempty"`
	StartDate      string        `json:"start_date"`
	PricePerTiffin float64       `json:"price_per_tiffin"`
	CycleLimit     int           `json:"cycle_limit"`
	CurrentCycle   cycleResponse `json:"current_cycle"`
}

func toCustomerResponse(c model.Customer) customerResponse {
	return customerResponse{
		ID:             c.ID,
		Name:           c.Name,
		Phone:          c.Phone,
		Address:        c.Address,
		StartDate:      c.StartDate.Format(time.DateOnly),
		PricePerTiffin: float64(c.PricePerTiffin) / 100,
		CycleLimit:     c.CycleLimit,
		CurrentCycle: cycleResponse{
			StartDate:    c.CurrentCycle.StartDate.Format(time.DateOnly),
			TiffinsTaken: c.CurrentCycle.TiffinsTaken,
			Status:       string(c.CurrentCycle.Status),
		},
	}
}

// ListCustomers возвращает всех клиентов.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.service.ListCustomers(r.Context())
	if err != nil {
		h.logger.Error("list customers error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(customers) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]customerResponse, 0, len(customers))
	for _, c := range customers {
		resp = append(resp, toCustomerResponse(c))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetCustomer возвращает клиента с текущим расчётным циклом.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	customer, err := h.service.GetCustomer(r.Context(), customerID)
	if err != nil {
		if errors.Is(err, repository.ErrCustomerNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get customer error", zap.Error(err), zap.Int64("customerID", customerID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toCustomerResponse(*customer)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type recordDeliveryRequest struct {
	CustomerID int64  `json:"customer_id"`
	Date       string `json:"date"`
	Slot       string `json:"slot"`
	Operator   string `json:"operator"`
}

// RecordDelivery записывает доставку тиффина.
func (h *Handler) RecordDelivery(w http.ResponseWriter, r *http.Request) {
	var req recordDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.CustomerID <= 0 || req.Date == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	date, err := time.Parse(time.DateOnly, req.Date)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	recordedAt, err := h.service.RecordDelivery(r.Context(), req.CustomerID, date, req.Slot, req.Operator)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidSlot):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrCustomerNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrDuplicateDelivery):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrTransient):
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		default:
			h.logger.Error("record delivery error", zap.Error(err), zap.Int64("customerID", req.CustomerID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]string{"timestamp": recordedAt.Format(time.RFC3339)}); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

// UndoLast отменяет последнюю доставку клиента.
func (h *Handler) UndoLast(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	removedID, err := h.service.UndoLast(r.Context(), customerID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNoDeliveries):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrUndoExpired),
			errors.Is(err, repository.ErrConcurrentModification):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrTransient):
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		default:
			h.logger.Error("undo last error", zap.Error(err), zap.Int64("customerID", customerID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]int64{"removed_id": removedID}); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

type deliveryResponse struct {
	ID         int64  `json:"id"`
	CustomerID int64  `json:"customer_id"`
	Date       string `json:"date"`
	Slot       string `json:"slot"`
	Operator   string `json:"operator"`
	RecordedAt string `json:"recorded_at"`
}

// GetReports возвращает доставки по фильтрам слота и диапазона дат.
func (h *Handler) GetReports(w http.ResponseWriter, r *http.Request) {
	deliveries, ok := h.queryReports(w, r)
	if !ok {
		return
	}

	if len(deliveries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]deliveryResponse, 0, len(deliveries))
	for _, d := range deliveries {
		resp = append(resp, deliveryResponse{
			ID:         d.ID,
			CustomerID: d.CustomerID,
			Date:       d.Date.Format(time.DateOnly),
			Slot:       string(d.Slot),
			Operator:   d.Operator,
			RecordedAt: d.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// ExportReports отдаёт те же доставки в виде CSV-файла.
func (h *Handler) ExportReports(w http.ResponseWriter, r *http.Request) {
	deliveries, ok := h.queryReports(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="report.csv"`)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "customer_id", "date", "slot", "operator", "recorded_at"})
	for _, d := range deliveries {
		_ = cw.Write([]string{
			strconv.FormatInt(d.ID, 10),
			strconv.FormatInt(d.CustomerID, 10),
			d.Date.Format(time.DateOnly),
			string(d.Slot),
			d.Operator,
			d.CreatedAt.Format(time.RFC3339),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Error("write csv error", zap.Error(err))
	}
}

func (h *Handler) queryReports(w http.ResponseWriter, r *http.Request) ([]model.Delivery, bool) {
	q := r.URL.Query()

	var start, end *time.Time
	if v := q.Get("start"); v != "" {
		parsed, err := time.Parse(time.DateOnly, v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return nil, false
		}
		start = &parsed
	}
	if v := q.Get("end"); v != "" {
		parsed, err := time.Parse(time.DateOnly, v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return nil, false
		}
		end = &parsed
	}

	deliveries, err := h.service.GetReports(r.Context(), q.Get("slot"), start, end)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidSlot), errors.Is(err, service.ErrInvalidRange):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrTransient):
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		default:
			h.logger.Error("get reports error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return nil, false
	}

	return deliveries, true
}

type cycleHistoryResponse struct {
	ID           int64   `json:"id"`
	StartDate    string  `json:"start_date"`
	EndDate      string  `json:"end_date"`
	TiffinsTaken int     `json:"tiffins_taken"`
	DayCount     int     `json:"day_count"`
	NightCount   int     `json:"night_count"`
	Amount       float64 `json:"amount"`
	Status       string  `json:"status"`
	PaymentDate  *string `json:"payment_date,omitempty"`
}

// GetCycleHistory возвращает завершённые циклы клиента.
func (h *Handler) GetCycleHistory(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entries, err := h.service.GetCycleHistory(r.Context(), customerID)
	if err != nil {
		h.logger.Error("get cycle history error", zap.Error(err), zap.Int64("customerID", customerID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]cycleHistoryResponse, 0, len(entries))
	for _, e := range entries {
		item := cycleHistoryResponse{
			ID:           e.ID,
			StartDate:    e.StartDate.Format(time.DateOnly),
			EndDate:      e.EndDate.Format(time.RFC3339),
			TiffinsTaken: e.TiffinsTaken,
			DayCount:     e.DayCount,
			NightCount:   e.NightCount,
			Amount:       float64(e.Amount) / 100,
			Status:       string(e.Status),
		}
		if e.PaymentDate != nil {
			paid := e.PaymentDate.Format(time.RFC3339)
			item.PaymentDate = &paid
		}
		resp = append(resp, item)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// MarkCyclePaid отмечает завершённый цикл оплаченным.
func (h *Handler) MarkCyclePaid(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	cycleID, err := strconv.ParseInt(chi.URLParam(r, "cycleID"), 10, 64)
	if err != nil || cycleID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err = h.service.MarkCyclePaid(r.Context(), customerID, cycleID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCycleNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrCycleAlreadyPaid):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("mark cycle paid error", zap.Error(err), zap.Int64("customerID", customerID), zap.Int64("cycleID", cycleID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

func customerIDFromRequest(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "customerID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
