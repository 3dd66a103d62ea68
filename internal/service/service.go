// Package service реализует бизнес-логику сервиса учёта тиффинов.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mmeshcher/tiffin-ledger/internal/model"
	"github.com/mmeshcher/tiffin-ledger/internal/notify"
	"github.com/mmeshcher/tiffin-ledger/internal/repository"
	"github.com/mmeshcher/tiffin-ledger/internal/validation"
)

// ErrInvalidSlot возвращается, если слот доставки не равен day или night.
var (
	ErrInvalidSlot = errors.New("slot must be day or night")
	// ErrInvalidRange возвращается, если границы диапазона отчёта заданы не попарно или не упорядочены.
	ErrInvalidRange = errors.New("start and end must be set together and ordered")
	// ErrInvalidPrice возвращается при отрицательной цене тиффина.
	ErrInvalidPrice = errors.New("price per tiffin must not be negative")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateCustomer(ctx context.Context, c model.Customer) (int64, error)
	GetCustomer(ctx context.Context, id int64) (*model.Customer, error)
	ListCustomers(ctx context.Context) ([]model.Customer, error)
	RecordDelivery(ctx context.Context, customerID int64, date time.Time, slot model.Slot, operator string) (time.Time, error)
	UndoLast(ctx context.Context, customerID int64, window time.Duration) (int64, error)
	GetDeliveries(ctx context.Context, filter repository.DeliveryFilter) ([]model.Delivery, error)
	GetCycleHistory(ctx context.Context, customerID int64) ([]model.CycleHistoryEntry, error)
	MarkCyclePaid(ctx context.Context, customerID, cycleID int64) error
	GetUnnotifiedCycles(ctx context.Context, limit int) ([]repository.CycleForNotify, error)
	MarkCycleNotified(ctx context.Context, cycleID int64) error
}

// Service содержит бизнес-логику сервиса учёта тиффинов.
type Service struct {
	repo              Repository
	notifyClient      *notify.Client
	undoWindow        time.Duration
	defaultCycleLimit int
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом уведомлений.
func NewService(repo Repository, notifyClient *notify.Client, undoWindow time.Duration, defaultCycleLimit int) *Service {
	return &Service{
		repo:              repo,
		notifyClient:      notifyClient,
		undoWindow:        undoWindow,
		defaultCycleLimit: defaultCycleLimit,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateCustomer создаёт клиента. При неположительном cycleLimit берётся лимит по умолчанию.
func (s *Service) CreateCustomer(ctx context.Context, name, phone, address string, startDate time.Time, priceRupees float64, cycleLimit int) (int64, error) {
	if priceRupees < 0 {
		return 0, ErrInvalidPrice
	}
	if cycleLimit <= 0 {
		cycleLimit = s.defaultCycleLimit
	}

	return s.repo.CreateCustomer(ctx, model.Customer{
		Name:           name,
		Phone:          phone,
		Address:        address,
		StartDate:      model.NormalizeDate(startDate),
		PricePerTiffin: int64(math.Round(priceRupees * 100)),
		CycleLimit:     cycleLimit,
	})
}

// GetCustomer возвращает клиента с текущим расчётным циклом.
func (s *Service) GetCustomer(ctx context.Context, id int64) (*model.Customer, error) {
	return s.repo.GetCustomer(ctx, id)
}

// ListCustomers возвращает всех клиентов.
func (s *Service) ListCustomers(ctx context.Context) ([]model.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

// RecordDelivery валидирует и записывает доставку тиффина, возвращая время фиксации.
func (s *Service) RecordDelivery(ctx context.Context, customerID int64, date time.Time, slot, operator string) (time.Time, error) {
	parsedSlot, ok := validation.ParseSlot(slot)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidSlot, slot)
	}

	if operator == "" {
		operator = "staff"
	}

	return s.repo.RecordDelivery(ctx, customerID, model.NormalizeDate(date), parsedSlot, operator)
}

// UndoLast отменяет последнюю доставку клиента в пределах настроенного окна.
func (s *Service) UndoLast(ctx context.Context, customerID int64) (int64, error) {
	return s.repo.UndoLast(ctx, customerID, s.undoWindow)
}

// GetReports возвращает доставки по необязательным фильтрам слота и диапазона дат.
func (s *Service) GetReports(ctx context.Context, slot string, start, end *time.Time) ([]model.Delivery, error) {
	filter := repository.DeliveryFilter{}

	if slot != "" {
		parsedSlot, ok := validation.ParseSlot(slot)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSlot, slot)
		}
		filter.Slot = &parsedSlot
	}

	if !validation.IsValidDateRange(start, end) {
		return nil, ErrInvalidRange
	}
	if start != nil && end != nil {
		from := model.NormalizeDate(*start)
		to := model.NormalizeDate(*end)
		filter.Start = &from
		filter.End = &to
	}

	return s.repo.GetDeliveries(ctx, filter)
}

// GetCycleHistory возвращает завершённые циклы клиента.
func (s *Service) GetCycleHistory(ctx context.Context, customerID int64) ([]model.CycleHistoryEntry, error) {
	return s.repo.GetCycleHistory(ctx, customerID)
}

// MarkCyclePaid отмечает завершённый цикл клиента оплаченным.
func (s *Service) MarkCyclePaid(ctx context.Context, customerID, cycleID int64) error {
	return s.repo.MarkCyclePaid(ctx, customerID, cycleID)
}

// StartCycleNotifications запускает фоновый процесс уведомления биллинга о закрытых циклах.
func (s *Service) StartCycleNotifications(ctx context.Context) {
	if s.notifyClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processNotifyBatch(ctx)
			}
		}
	}()
}

func (s *Service) processNotifyBatch(ctx context.Context) {
	cycles, err := s.repo.GetUnnotifiedCycles(ctx, 100)
	if err != nil {
		return
	}

	for _, c := range cycles {
		event := notify.CycleClosedEvent{
			CycleID:      c.ID,
			CustomerID:   c.CustomerID,
			TiffinsTaken: c.TiffinsTaken,
			Amount:       float64(c.Amount) / 100,
			StartDate:    c.StartDate.Format(time.DateOnly),
			EndDate:      c.EndDate.Format(time.RFC3339),
		}

		// Неудачная отправка не страшна: цикл останется без отметки и
		// попадёт в следующую выборку.
		if err := s.notifyClient.SendCycleClosed(ctx, event); err != nil {
			continue
		}

		_ = s.repo.MarkCycleNotified(ctx, c.ID)
	}
}
