// Package main наполняет базу примером данных для ручной проверки сервиса.
package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/tiffin-ledger/internal/config"
	"github.com/mmeshcher/tiffin-ledger/internal/model"
	"github.com/mmeshcher/tiffin-ledger/internal/repository"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	customerID, err := repo.CreateCustomer(ctx, model.Customer{
		Name:           "Ramesh",
		Phone:          "9999999999",
		StartDate:      time.Now(),
		PricePerTiffin: 5000, // 50 рупий
		CycleLimit:     5,
	})
	if err != nil {
		sugar.Fatalw("seed customer error", "error", err.Error())
	}

	today := model.NormalizeDate(time.Now())
	for _, slot := range []model.Slot{model.SlotDay, model.SlotNight} {
		if _, err := repo.RecordDelivery(ctx, customerID, today, slot, "seed"); err != nil {
			sugar.Fatalw("seed delivery error", "slot", slot, "error", err.Error())
		}
	}

	sugar.Infow("seeded example data", "customerID", customerID)
}
