// Package validation содержит функции валидации входных данных.
package validation

import (
	"time"

	"github.com/mmeshcher/tiffin-ledger/internal/model"
)

// ParseSlot проверяет строковое значение слота доставки и приводит его к доменному типу.
func ParseSlot(s string) (model.Slot, bool) {
	switch model.Slot(s) {
	case model.SlotDay, model.SlotNight:
		return model.Slot(s), true
	default:
		return "", false
	}
}

// IsValidDateRange проверяет, что границы диапазона заданы попарно и конец не раньше начала.
func IsValidDateRange(start, end *time.Time) bool {
	if (start == nil) != (end == nil) {
		return false
	}
	if start == nil {
		return true
	}
	return !end.Before(*start)
}
