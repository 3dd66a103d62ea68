package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmeshcher/tiffin-ledger/internal/model"
	"github.com/mmeshcher/tiffin-ledger/internal/repository"
)

type stubRepo struct {
	createdCustomer model.Customer
	createID        int64
	createErr       error

	recordedCustomerID int64
	recordedDate       time.Time
	recordedSlot       model.Slot
	recordedOperator   string
	recordCalled       bool
	recordAt           time.Time
	recordErr          error

	undoWindow time.Duration
	undoID     int64
	undoErr    error

	deliveriesFilter repository.DeliveryFilter
	deliveries       []model.Delivery
	deliveriesErr    error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateCustomer(ctx context.Context, c model.Customer) (int64, error) {
	s.createdCustomer = c
	return s.createID, s.createErr
}

func (s *stubRepo) GetCustomer(ctx context.Context, id int64) (*model.Customer, error) {
	return nil, repository.ErrCustomerNotFound
}

func (s *stubRepo) ListCustomers(ctx context.Context) ([]model.Customer, error) {
	return nil, nil
}

func (s *stubRepo) RecordDelivery(ctx context.Context, customerID int64, date time.Time, slot model.Slot, operator string) (time.Time, error) {
	s.recordCalled = true
	s.recordedCustomerID = customerID
	s.recordedDate = date
	s.recordedSlot = slot
	s.recordedOperator = operator
	return s.recordAt, s.recordErr
}

func (s *stubRepo) UndoLast(ctx context.Context, customerID int64, window time.Duration) (int64, error) {
	s.undoWindow = window
	return s.undoID, s.undoErr
}

func (s *stubRepo) GetDeliveries(ctx context.Context, filter repository.DeliveryFilter) ([]model.Delivery, error) {
	s.deliveriesFilter = filter
	return s.deliveries, s.deliveriesErr
}

func (s *stubRepo) GetCycleHistory(ctx context.Context, customerID int64) ([]model.CycleHistoryEntry, error) {
	return nil, nil
}

func (s *stubRepo) MarkCyclePaid(ctx context.Context, customerID, cycleID int64) error {
	return nil
}

func (s *stubRepo) GetUnnotifiedCycles(ctx context.Context, limit int) ([]repository.CycleForNotify, error) {
	return nil, nil
}

func (s *stubRepo) MarkCycleNotified(ctx context.Context, cycleID int64) error {
	return nil
}

func TestRecordDelivery_NormalizesDateAndOperator(t *testing.T) {
	repo := &stubRepo{recordAt: time.Now()}
	svc := NewService(repo, nil, 5*time.Minute, 30)

	date := time.Date(2025, time.March, 5, 19, 42, 7, 0, time.UTC)
	_, err := svc.RecordDelivery(context.Background(), 1, date, "night", "")
	if err != nil {
		t.Fatalf("RecordDelivery error: %v", err)
	}

	wantDate := time.Date(2025, time.March, 5, 0, 0, 0, 0, time.UTC)
	if !repo.recordedDate.Equal(wantDate) {
		t.Fatalf("recorded date = %v, want %v", repo.recordedDate, wantDate)
	}
	if repo.recordedSlot != model.SlotNight {
		t.Fatalf("recorded slot = %q, want %q", repo.recordedSlot, model.SlotNight)
	}
	if repo.recordedOperator != "staff" {
		t.Fatalf("recorded operator = %q, want staff", repo.recordedOperator)
	}
}

func TestRecordDelivery_InvalidSlot(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, 5*time.Minute, 30)

	_, err := svc.RecordDelivery(context.Background(), 1, time.Now(), "evening", "staff")
	if !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("expected ErrInvalidSlot, got %v", err)
	}
	if repo.recordCalled {
		t.Fatalf("repository must not be called for invalid slot")
	}
}

func TestRecordDelivery_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{recordErr: repository.ErrDuplicateDelivery}
	svc := NewService(repo, nil, 5*time.Minute, 30)

	_, err := svc.RecordDelivery(context.Background(), 1, time.Now(), "day", "staff")
	if !errors.Is(err, repository.ErrDuplicateDelivery) {
		t.Fatalf("expected ErrDuplicateDelivery, got %v", err)
	}
}

func TestUndoLast_PassesConfiguredWindow(t *testing.T) {
	repo := &stubRepo{undoID: 7}
	svc := NewService(repo, nil, 7*time.Minute, 30)

	removedID, err := svc.UndoLast(context.Background(), 1)
	if err != nil {
		t.Fatalf("UndoLast error: %v", err)
	}
	if removedID != 7 {
		t.Fatalf("removedID = %d, want 7", removedID)
	}
	if repo.undoWindow != 7*time.Minute {
		t.Fatalf("window = %v, want 7m", repo.undoWindow)
	}
}

func TestGetReports_InvalidRange(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, 5*time.Minute, 30)

	start := time.Now()
	_, err := svc.GetReports(context.Background(), "", &start, nil)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestGetReports_SlotFilter(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, 5*time.Minute, 30)

	if _, err := svc.GetReports(context.Background(), "night", nil, nil); err != nil {
		t.Fatalf("GetReports error: %v", err)
	}
	if repo.deliveriesFilter.Slot == nil || *repo.deliveriesFilter.Slot != model.SlotNight {
		t.Fatalf("slot filter = %v, want night", repo.deliveriesFilter.Slot)
	}
	if repo.deliveriesFilter.Start != nil || repo.deliveriesFilter.End != nil {
		t.Fatalf("date filter must stay empty")
	}
}

func TestGetReports_InvalidSlot(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, 5*time.Minute, 30)

	_, err := svc.GetReports(context.Background(), "brunch", nil, nil)
	if !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("expected ErrInvalidSlot, got %v", err)
	}
}

func TestCreateCustomer_ConvertsPriceToPaise(t *testing.T) {
	repo := &stubRepo{createID: 3}
	svc := NewService(repo, nil, 5*time.Minute, 30)

	id, err := svc.CreateCustomer(context.Background(), "Ramesh", "9999999999", "", time.Now(), 12.5, 0)
	if err != nil {
		t.Fatalf("CreateCustomer error: %v", err)
	}
	if id != 3 {
		t.Fatalf("id = %d, want 3", id)
	}
	if repo.createdCustomer.PricePerTiffin != 1250 {
		t.Fatalf("price = %d paise, want 1250", repo.createdCustomer.PricePerTiffin)
	}
	if repo.createdCustomer.CycleLimit != 30 {
		t.Fatalf("cycle limit = %d, want default 30", repo.createdCustomer.CycleLimit)
	}
}

func TestCreateCustomer_NegativePrice(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, 5*time.Minute, 30)

	_, err := svc.CreateCustomer(context.Background(), "Ramesh", "9999999999", "", time.Now(), -1, 0)
	if !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestStartCycleNotifications_NoClient(t *testing.T) {
	svc := &Service{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartCycleNotifications(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartCycleNotifications did not return without client")
	}
}
