// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/tiffin-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrCustomerNotFound возвращается, если клиент не найден.
var (
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrDuplicateDelivery возвращается при повторной записи доставки для того же клиента, даты и слота.
	ErrDuplicateDelivery = errors.New("delivery already recorded for this slot")
	// ErrNoDeliveries возвращается при попытке отмены, когда у клиента нет ни одной доставки.
	ErrNoDeliveries = errors.New("no deliveries to undo")
	// ErrUndoExpired возвращается, если окно отмены последней доставки истекло.
	ErrUndoExpired = errors.New("undo window expired")
	// ErrConcurrentModification возвращается, если последняя доставка была изменена другим вызовом.
	ErrConcurrentModification = errors.New("delivery modified concurrently")
	// ErrCycleNotFound возвращается, если расчётный цикл не найден.
	ErrCycleNotFound = errors.New("cycle not found")
	// ErrCycleAlreadyPaid возвращается при повторной оплате цикла.
	ErrCycleAlreadyPaid = errors.New("cycle already paid")
	// ErrTransient возвращается после исчерпания ретраев временной ошибки: операцию можно повторить целиком.
	ErrTransient = errors.New("temporary storage failure")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// БД может подниматься позже сервиса, поэтому пингуем с бэкоффом.
	backoff := retry.WithMaxRetries(5, retry.NewFibonacci(time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Бизнес-ошибки не ретраим: повтор их не исправит.
		if !isRetryable(err) {
			return err
		}

		if i < len(delays) {
			time.Sleep(delays[i])
		}
	}

	// Ретраи исчерпаны: вызывающий должен отличать эту ситуацию от отказа по бизнес-правилам.
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Конфликты сериализации и дедлоки безопасно повторять целиком.
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateCustomer создаёт нового клиента с открытым расчётным циклом.
func (r *PostgresRepository) CreateCustomer(ctx context.Context, c model.Customer) (int64, error) {
	start := model.NormalizeDate(c.StartDate)

	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO customers (name, phone, address, start_date, price_per_tiffin, cycle_limit, cycle_start_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $4)
		 RETURNING id`,
		c.Name, c.Phone, c.Address, start, c.PricePerTiffin, c.CycleLimit,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create customer: %w", err)
	}
	return id, nil
}

// GetCustomer возвращает клиента вместе с текущим расчётным циклом.
func (r *PostgresRepository) GetCustomer(ctx context.Context, id int64) (*model.Customer, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, phone, address, start_date, price_per_tiffin, cycle_limit,
		        cycle_start_date, cycle_opened_at, cycle_tiffins_taken, created_at
		 FROM customers
		 WHERE id = $1`,
		id,
	)

	var c model.Customer
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Address, &c.StartDate, &c.PricePerTiffin, &c.CycleLimit,
		&c.CurrentCycle.StartDate, &c.CurrentCycle.OpenedAt, &c.CurrentCycle.TiffinsTaken, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	c.CurrentCycle.Status = model.CycleStatusActive

	return &c, nil
}

// ListCustomers возвращает всех клиентов в порядке создания.
func (r *PostgresRepository) ListCustomers(ctx context.Context) ([]model.Customer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, phone, address, start_date, price_per_tiffin, cycle_limit,
		        cycle_start_date, cycle_opened_at, cycle_tiffins_taken, created_at
		 FROM customers
		 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select customers: %w", err)
	}
	defer rows.Close()

	var customers []model.Customer
	for rows.Next() {
		var c model.Customer
		err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Address, &c.StartDate, &c.PricePerTiffin, &c.CycleLimit,
			&c.CurrentCycle.StartDate, &c.CurrentCycle.OpenedAt, &c.CurrentCycle.TiffinsTaken, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		c.CurrentCycle.Status = model.CycleStatusActive
		customers = append(customers, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return customers, nil
}

// RecordDelivery записывает доставку тиффина и возвращает время фиксации.
// Вставка записи, инкремент счётчика цикла и закрытие цикла по достижении
// лимита выполняются в одной транзакции. Строка клиента блокируется
// FOR UPDATE, что сериализует конкурирующие записи и отмены по одному клиенту.
func (r *PostgresRepository) RecordDelivery(ctx context.Context, customerID int64, date time.Time, slot model.Slot, operator string) (time.Time, error) {
	var recordedAt time.Time
	err := r.withRetry(ctx, func() error {
		var err error
		recordedAt, err = r.recordDelivery(ctx, customerID, date, slot, operator)
		return err
	})
	return recordedAt, err
}

func (r *PostgresRepository) recordDelivery(ctx context.Context, customerID int64, date time.Time, slot model.Slot, operator string) (time.Time, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		cycleLimit  int
		price       int64
		cycleStart  time.Time
		cycleOpened time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT cycle_limit, price_per_tiffin, cycle_start_date, cycle_opened_at
		 FROM customers
		 WHERE id = $1
		 FOR UPDATE`,
		customerID,
	).Scan(&cycleLimit, &price, &cycleStart, &cycleOpened)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrCustomerNotFound
		}
		return time.Time{}, fmt.Errorf("lock customer: %w", err)
	}

	// Предварительная проверка дубликата. Решающим остаётся уникальный
	// индекс: под блокировкой клиента он не даст выжить второй записи.
	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM deliveries WHERE customer_id = $1 AND date = $2 AND slot = $3)`,
		customerID, date, string(slot),
	).Scan(&exists)
	if err != nil {
		return time.Time{}, fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		return time.Time{}, fmt.Errorf("%w: %s %s", ErrDuplicateDelivery, date.Format(time.DateOnly), slot)
	}

	var recordedAt time.Time
	err = tx.QueryRow(ctx,
		`INSERT INTO deliveries (customer_id, date, slot, operator)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		customerID, date, string(slot), operator,
	).Scan(&recordedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return time.Time{}, fmt.Errorf("%w: %s %s", ErrDuplicateDelivery, date.Format(time.DateOnly), slot)
		}
		return time.Time{}, fmt.Errorf("insert delivery: %w", err)
	}

	var taken int
	err = tx.QueryRow(ctx,
		`UPDATE customers SET cycle_tiffins_taken = cycle_tiffins_taken + 1 WHERE id = $1 RETURNING cycle_tiffins_taken`,
		customerID,
	).Scan(&taken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrCustomerNotFound
		}
		return time.Time{}, fmt.Errorf("increment cycle counter: %w", err)
	}

	if taken >= cycleLimit {
		if err := r.rolloverCycle(ctx, tx, customerID, cycleStart, cycleOpened, taken, price, recordedAt); err != nil {
			return time.Time{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, fmt.Errorf("commit tx: %w", err)
	}

	return recordedAt, nil
}

// rolloverCycle закрывает текущий цикл клиента и открывает следующий.
// Доставки цикла отбираются по моменту создания записи начиная с открытия
// цикла, а не по календарной дате: записи соседних циклов не пересекаются
// даже при закрытии и новой доставке в один день.
func (r *PostgresRepository) rolloverCycle(ctx context.Context, tx pgx.Tx, customerID int64, cycleStart, cycleOpened time.Time, taken int, price int64, now time.Time) error {
	var dayCount, nightCount int
	err := tx.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE slot = 'day'),
		   COUNT(*) FILTER (WHERE slot = 'night')
		 FROM deliveries
		 WHERE customer_id = $1 AND created_at > $2 AND created_at <= $3`,
		customerID, cycleOpened, now,
	).Scan(&dayCount, &nightCount)
	if err != nil {
		return fmt.Errorf("count cycle slots: %w", err)
	}

	amount := int64(taken) * price

	_, err = tx.Exec(ctx,
		`INSERT INTO cycle_history (customer_id, start_date, end_date, tiffins_taken, day_count, night_count, amount, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		customerID, cycleStart, now, taken, dayCount, nightCount, amount, string(model.CycleStatusUnpaid),
	)
	if err != nil {
		return fmt.Errorf("insert cycle history: %w", err)
	}

	nextStart := model.NormalizeDate(now).AddDate(0, 0, 1)
	_, err = tx.Exec(ctx,
		`UPDATE customers
		 SET cycle_start_date = $2, cycle_opened_at = $3, cycle_tiffins_taken = 0
		 WHERE id = $1`,
		customerID, nextStart, now,
	)
	if err != nil {
		return fmt.Errorf("reset cycle: %w", err)
	}

	return nil
}

// UndoLast удаляет последнюю доставку клиента в пределах окна отмены и
// уменьшает счётчик текущего цикла. Закрытие цикла, вызванное удаляемой
// записью, не откатывается: отмена затрагивает только запись и счётчик.
func (r *PostgresRepository) UndoLast(ctx context.Context, customerID int64, window time.Duration) (int64, error) {
	var removedID int64
	err := r.withRetry(ctx, func() error {
		var err error
		removedID, err = r.undoLast(ctx, customerID, window)
		return err
	})
	return removedID, err
}

func (r *PostgresRepository) undoLast(ctx context.Context, customerID int64, window time.Duration) (int64, error) {
	var (
		lastID    int64
		createdAt time.Time
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, created_at
		 FROM deliveries
		 WHERE customer_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		customerID,
	).Scan(&lastID, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoDeliveries
		}
		return 0, fmt.Errorf("select last delivery: %w", err)
	}

	if time.Since(createdAt) > window {
		return 0, fmt.Errorf("%w: recorded at %s", ErrUndoExpired, createdAt.Format(time.RFC3339))
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var dummy int
	err = tx.QueryRow(ctx, `SELECT 1 FROM customers WHERE id = $1 FOR UPDATE`, customerID).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrCustomerNotFound
		}
		return 0, fmt.Errorf("lock customer: %w", err)
	}

	cmdTag, err := tx.Exec(ctx, `DELETE FROM deliveries WHERE id = $1`, lastID)
	if err != nil {
		return 0, fmt.Errorf("delete delivery: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return 0, fmt.Errorf("%w: delivery %d", ErrConcurrentModification, lastID)
	}

	// Сразу после закрытия цикла счётчик нового цикла равен нулю — ниже не опускаем.
	_, err = tx.Exec(ctx,
		`UPDATE customers SET cycle_tiffins_taken = GREATEST(cycle_tiffins_taken - 1, 0) WHERE id = $1`,
		customerID,
	)
	if err != nil {
		return 0, fmt.Errorf("decrement cycle counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return lastID, nil
}

// DeliveryFilter задаёт необязательные условия отбора доставок для отчёта.
type DeliveryFilter struct {
	Slot  *model.Slot
	Start *time.Time
	End   *time.Time
}

// GetDeliveries возвращает доставки по фильтру, новые даты первыми.
func (r *PostgresRepository) GetDeliveries(ctx context.Context, filter DeliveryFilter) ([]model.Delivery, error) {
	query := `SELECT id, customer_id, date, slot, operator, created_at FROM deliveries`

	var (
		conds []string
		args  []any
	)
	if filter.Slot != nil {
		args = append(args, string(*filter.Slot))
		conds = append(conds, fmt.Sprintf("slot = $%d", len(args)))
	}
	if filter.Start != nil && filter.End != nil {
		args = append(args, *filter.Start)
		conds = append(conds, fmt.Sprintf("date >= $%d", len(args)))
		args = append(args, *filter.End)
		conds = append(conds, fmt.Sprintf("date <= $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY date DESC, created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []model.Delivery
	for rows.Next() {
		var (
			d    model.Delivery
			slot string
		)
		if err := rows.Scan(&d.ID, &d.CustomerID, &d.Date, &slot, &d.Operator, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Slot = model.Slot(slot)
		deliveries = append(deliveries, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return deliveries, nil
}

// GetCycleHistory возвращает завершённые циклы клиента в порядке закрытия.
func (r *PostgresRepository) GetCycleHistory(ctx context.Context, customerID int64) ([]model.CycleHistoryEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, customer_id, start_date, end_date, tiffins_taken, day_count, night_count, amount, status, payment_date
		 FROM cycle_history
		 WHERE customer_id = $1
		 ORDER BY id`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cycle history: %w", err)
	}
	defer rows.Close()

	var entries []model.CycleHistoryEntry
	for rows.Next() {
		var (
			e      model.CycleHistoryEntry
			status string
		)
		err := rows.Scan(&e.ID, &e.CustomerID, &e.StartDate, &e.EndDate, &e.TiffinsTaken, &e.DayCount, &e.NightCount,
			&e.Amount, &status, &e.PaymentDate)
		if err != nil {
			return nil, fmt.Errorf("scan cycle history: %w", err)
		}
		e.Status = model.CycleStatus(status)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entries, nil
}

// MarkCyclePaid переводит завершённый цикл из UNPAID в PAID.
func (r *PostgresRepository) MarkCyclePaid(ctx context.Context, customerID, cycleID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM cycle_history WHERE id = $1 AND customer_id = $2 FOR UPDATE`,
		cycleID, customerID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCycleNotFound
		}
		return fmt.Errorf("lock cycle: %w", err)
	}

	if model.CycleStatus(status) == model.CycleStatusPaid {
		return fmt.Errorf("%w: cycle %d", ErrCycleAlreadyPaid, cycleID)
	}

	_, err = tx.Exec(ctx,
		`UPDATE cycle_history SET status = $2, payment_date = now() WHERE id = $1`,
		cycleID, string(model.CycleStatusPaid),
	)
	if err != nil {
		return fmt.Errorf("mark cycle paid: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// CycleForNotify описывает закрытый цикл, о котором ещё не уведомлён биллинг.
type CycleForNotify struct {
	ID           int64
	CustomerID   int64
	TiffinsTaken int
	Amount       int64
	StartDate    time.Time
	EndDate      time.Time
}

// GetUnnotifiedCycles возвращает закрытые циклы без отметки об уведомлении.
func (r *PostgresRepository) GetUnnotifiedCycles(ctx context.Context, limit int) ([]CycleForNotify, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, customer_id, tiffins_taken, amount, start_date, end_date
		 FROM cycle_history
		 WHERE notified_at IS NULL
		 ORDER BY id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unnotified cycles: %w", err)
	}
	defer rows.Close()

	var res []CycleForNotify
	for rows.Next() {
		var c CycleForNotify
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.TiffinsTaken, &c.Amount, &c.StartDate, &c.EndDate); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkCycleNotified проставляет отметку об отправленном уведомлении.
func (r *PostgresRepository) MarkCycleNotified(ctx context.Context, cycleID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE cycle_history SET notified_at = now() WHERE id = $1`,
		cycleID,
	)
	if err != nil {
		return fmt.Errorf("mark cycle notified: %w", err)
	}
	return nil
}
