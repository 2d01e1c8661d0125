package booking

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// PostgresStore persists slots and appointments in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply booking migrations: %w", err)
	}
	return nil
}

const slotColumns = `id, to_char(slot_date, 'YYYY-MM-DD'), start_time, end_time, max_capacity, current_bookings`

func scanSlots(rows pgx.Rows) ([]Slot, error) {
	defer rows.Close()
	out := make([]Slot, 0, 16)
	for rows.Next() {
		var sl Slot
		if err := rows.Scan(&sl.ID, &sl.Date, &sl.StartTime, &sl.EndTime, &sl.MaxCapacity, &sl.CurrentBookings); err != nil {
			return nil, fmt.Errorf("scan slot row: %w", err)
		}
		sl.IsBooked = sl.CurrentBookings >= sl.MaxCapacity
		out = append(out, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slot rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListAvailableSlots(ctx context.Context) ([]Slot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+slotColumns+` FROM booking_slots
		 WHERE slot_date >= CURRENT_DATE AND current_bookings < max_capacity
		 ORDER BY slot_date, start_time`)
	if err != nil {
		return nil, fmt.Errorf("query available slots: %w", err)
	}
	return scanSlots(rows)
}

func (s *PostgresStore) SlotsByDate(ctx context.Context, date string) ([]Slot, error) {
	if !ValidDate(date) {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidInput)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+slotColumns+` FROM booking_slots WHERE slot_date = $1::date ORDER BY start_time`, date)
	if err != nil {
		return nil, fmt.Errorf("query slots by date: %w", err)
	}
	return scanSlots(rows)
}

func (s *PostgresStore) SlotsByRange(ctx context.Context, start, end string) ([]Slot, error) {
	if !ValidDate(start) || !ValidDate(end) {
		return nil, fmt.Errorf("%w: start and end must be YYYY-MM-DD", ErrInvalidInput)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+slotColumns+` FROM booking_slots
		 WHERE slot_date BETWEEN $1::date AND $2::date ORDER BY slot_date, start_time`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query slots by range: %w", err)
	}
	return scanSlots(rows)
}

func (s *PostgresStore) CreateAppointment(ctx context.Context, in CreateInput) (Appointment, error) {
	if err := in.Validate(); err != nil {
		return Appointment{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Appointment{}, fmt.Errorf("begin booking tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var slot Slot
	err = tx.QueryRow(ctx,
		`SELECT `+slotColumns+` FROM booking_slots WHERE id = $1 FOR UPDATE`, in.SlotID,
	).Scan(&slot.ID, &slot.Date, &slot.StartTime, &slot.EndTime, &slot.MaxCapacity, &slot.CurrentBookings)
	if errors.Is(err, pgx.ErrNoRows) {
		return Appointment{}, ErrSlotNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("lock slot: %w", err)
	}
	if slot.CurrentBookings >= slot.MaxCapacity {
		return Appointment{}, ErrSlotFull
	}

	appt := Appointment{
		SlotID:          slot.ID,
		Date:            slot.Date,
		Time:            slot.StartTime,
		CustomerName:    in.CustomerName,
		CustomerPhone:   in.CustomerPhone,
		CustomerEmail:   in.CustomerEmail,
		AppointmentType: in.AppointmentType,
		Notes:           in.Notes,
		Status:          StatusConfirmed,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO booking_appointments
		 (slot_id, customer_name, customer_phone, customer_email, appointment_type, notes, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, booked_at`,
		appt.SlotID, appt.CustomerName, appt.CustomerPhone, appt.CustomerEmail,
		appt.AppointmentType, appt.Notes, appt.Status,
	).Scan(&appt.ID, &appt.BookedAt)
	if err != nil {
		return Appointment{}, fmt.Errorf("insert appointment: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE booking_slots SET current_bookings = current_bookings + 1 WHERE id = $1`, slot.ID); err != nil {
		return Appointment{}, fmt.Errorf("update slot bookings: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Appointment{}, fmt.Errorf("commit booking: %w", err)
	}
	return appt, nil
}

const appointmentSelect = `SELECT a.id, a.slot_id, to_char(s.slot_date, 'YYYY-MM-DD'), s.start_time,
	a.customer_name, a.customer_phone, a.customer_email, a.appointment_type, a.notes,
	a.status, a.booked_at, a.cancelled_at
	FROM booking_appointments a JOIN booking_slots s ON s.id = a.slot_id`

func scanAppointment(row pgx.Row) (Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.SlotID, &a.Date, &a.Time,
		&a.CustomerName, &a.CustomerPhone, &a.CustomerEmail, &a.AppointmentType, &a.Notes,
		&a.Status, &a.BookedAt, &a.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Appointment{}, ErrAppointmentNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("scan appointment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetAppointment(ctx context.Context, id int64) (Appointment, error) {
	return scanAppointment(s.pool.QueryRow(ctx, appointmentSelect+` WHERE a.id = $1`, id))
}

func (s *PostgresStore) CancelAppointment(ctx context.Context, id int64) (Appointment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Appointment{}, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := scanAppointment(tx.QueryRow(ctx, appointmentSelect+` WHERE a.id = $1 FOR UPDATE OF a`, id))
	if err != nil {
		return Appointment{}, err
	}
	if appt.Status == StatusCancelled {
		return Appointment{}, ErrAlreadyCancelled
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE booking_appointments SET status = $2, cancelled_at = $3 WHERE id = $1`,
		id, StatusCancelled, now); err != nil {
		return Appointment{}, fmt.Errorf("cancel appointment: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE booking_slots SET current_bookings = GREATEST(current_bookings - 1, 0) WHERE id = $1`,
		appt.SlotID); err != nil {
		return Appointment{}, fmt.Errorf("release slot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Appointment{}, fmt.Errorf("commit cancel: %w", err)
	}

	appt.Status = StatusCancelled
	appt.CancelledAt = &now
	return appt, nil
}

func (s *PostgresStore) GenerateSlots(ctx context.Context, start, end string) (int, error) {
	tmpl, err := expandRange(start, end)
	if err != nil {
		return 0, err
	}
	batch := &pgx.Batch{}
	for _, ts := range tmpl {
		batch.Queue(
			`INSERT INTO booking_slots (slot_date, start_time, end_time, max_capacity)
			 VALUES ($1::date, $2, $3, 1) ON CONFLICT (slot_date, start_time) DO NOTHING`,
			ts.date, ts.start, ts.end)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	created := 0
	for range tmpl {
		tag, err := results.Exec()
		if err != nil {
			return created, fmt.Errorf("generate slots: %w", err)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
