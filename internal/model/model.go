// Package model содержит доменные сущности сервиса учёта тиффинов.
package model

import "time"

// Slot — категория времени доставки тиффина.
type Slot string

const (
	SlotDay   Slot = "day"
	SlotNight Slot = "night"
)

// CycleStatus описывает статус расчётного цикла.
type CycleStatus string

const (
	CycleStatusActive CycleStatus = "ACTIVE"
	CycleStatusUnpaid CycleStatus = "UNPAID"
	CycleStatusPaid   CycleStatus = "PAID"
)

// Cycle описывает текущий расчётный цикл клиента.
// OpenedAt — момент открытия цикла; по нему считаются доставки цикла при закрытии.
type Cycle struct {
	StartDate    time.Time
	OpenedAt     time.Time
	TiffinsTaken int
	Status       CycleStatus
}

// Customer представляет клиента службы доставки тиффинов.
type Customer struct {
	ID             int64
	Name           string
	Phone          string
	Address        string
	StartDate      time.Time
	PricePerTiffin int64 // цена одного тиффина в пайсах
	CycleLimit     int
	CurrentCycle   Cycle
	CreatedAt      time.Time
}

// CycleHistoryEntry описывает завершённый расчётный цикл клиента.
type CycleHistoryEntry struct {
	ID           int64
	CustomerID   int64
	StartDate    time.Time
	EndDate      time.Time
	TiffinsTaken int
	DayCount     int
	NightCount   int
	Amount       int64 // сумма к оплате в пайсах
	Status       CycleStatus
	PaymentDate  *time.Time
}

// Delivery описывает факт доставки тиффина клиенту.
type Delivery struct {
	ID         int64
	CustomerID int64
	Date       time.Time
	Slot       Slot
	Operator   string
	CreatedAt  time.Time
}

// NormalizeDate отбрасывает компонент времени, приводя дату к полуночи UTC.
func NormalizeDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
