// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package postgres implements the metadata store and payment ledger on
// PostgreSQL, for self-hosted deployments that run without the platform
// backend. Policy, pricing and baseline documents live in JSONB columns;
// budget accounts and the ledger are structured rows so reservation and
// commit can run as transactional balance updates.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"tollgate/platform/budget"
	"tollgate/platform/payment"
	"tollgate/platform/pricing"
	"tollgate/platform/risk"
	"tollgate/platform/shared/types"
	"tollgate/platform/store"
)

// Store implements store.Store on PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to the database, configures the pool and ensures the schema
// exists.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(db)
	if err := s.InitSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// InitSchema creates the tables when they do not exist yet.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS principal_contexts (
			principal_id TEXT NOT NULL,
			project_id   TEXT NOT NULL,
			document     JSONB NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (principal_id, project_id)
		);
		CREATE TABLE IF NOT EXISTS system_policies (
			policy_id  TEXT PRIMARY KEY,
			document   JSONB NOT NULL,
			is_active  BOOLEAN NOT NULL DEFAULT true,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS user_policies (
			principal_id TEXT NOT NULL,
			project_id   TEXT NOT NULL,
			document     JSONB NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (principal_id, project_id)
		);
		CREATE TABLE IF NOT EXISTS budget_accounts (
			principal_id      TEXT NOT NULL,
			project_id        TEXT NOT NULL,
			total_balance     DOUBLE PRECISION NOT NULL DEFAULT 0,
			available_balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			reserved_amount   DOUBLE PRECISION NOT NULL DEFAULT 0,
			currency          TEXT NOT NULL DEFAULT 'USDC',
			spent_today       DOUBLE PRECISION NOT NULL DEFAULT 0,
			spent_month       DOUBLE PRECISION NOT NULL DEFAULT 0,
			spent_total       DOUBLE PRECISION NOT NULL DEFAULT 0,
			daily_limit       DOUBLE PRECISION,
			monthly_limit     DOUBLE PRECISION,
			per_request_limit DOUBLE PRECISION,
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (principal_id, project_id)
		);
		CREATE TABLE IF NOT EXISTS pricing (
			provider       TEXT NOT NULL,
			model_name     TEXT NOT NULL,
			document       JSONB NOT NULL,
			effective_date TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (provider, model_name, effective_date)
		);
		CREATE TABLE IF NOT EXISTS baselines (
			principal_id TEXT NOT NULL,
			project_id   TEXT NOT NULL,
			document     JSONB NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (principal_id, project_id)
		);
		CREATE TABLE IF NOT EXISTS reservations (
			reservation_id   TEXT PRIMARY KEY,
			request_id       TEXT NOT NULL UNIQUE,
			principal_id     TEXT NOT NULL,
			project_id       TEXT NOT NULL,
			estimated_amount DOUBLE PRECISION NOT NULL,
			currency         TEXT NOT NULL DEFAULT 'USDC',
			status           TEXT NOT NULL,
			tx_ref           TEXT NOT NULL,
			reserved_at      TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS payments (
			payment_id       TEXT PRIMARY KEY,
			reservation_id   TEXT NOT NULL UNIQUE REFERENCES reservations(reservation_id),
			request_id       TEXT NOT NULL,
			principal_id     TEXT NOT NULL,
			project_id       TEXT NOT NULL,
			estimated_amount DOUBLE PRECISION NOT NULL,
			actual_amount    DOUBLE PRECISION NOT NULL,
			variance_amount  DOUBLE PRECISION NOT NULL,
			variance_percent DOUBLE PRECISION NOT NULL,
			provider         TEXT NOT NULL,
			currency         TEXT NOT NULL DEFAULT 'USDC',
			status           TEXT NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL
		);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// FetchPrincipalContext loads the context document and attaches the user
// policy when one is stored.
func (s *Store) FetchPrincipalContext(ctx context.Context, principalID, projectID string) (*types.PrincipalContext, error) {
	query := `
		SELECT document FROM principal_contexts
		WHERE principal_id = $1 AND project_id = $2
	`
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, principalID, projectID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: principal context %s/%s", store.ErrNotFound, principalID, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("query principal context: %w", err)
	}

	var pc types.PrincipalContext
	if err := json.Unmarshal(raw, &pc); err != nil {
		return nil, fmt.Errorf("unmarshal principal context: %w", err)
	}

	if pc.Policy == nil {
		policy, err := s.FetchUserPolicy(ctx, principalID, projectID)
		if err == nil {
			pc.Policy = policy
		}
	}
	return &pc, nil
}

// FetchSystemPolicy returns the most recently updated active system policy.
func (s *Store) FetchSystemPolicy(ctx context.Context) (*types.SystemPolicy, error) {
	query := `
		SELECT document FROM system_policies
		WHERE is_active = true
		ORDER BY updated_at DESC
		LIMIT 1
	`
	var raw []byte
	err := s.db.QueryRowContext(ctx, query).Scan(&raw)
	if err == sql.ErrNoRows {
		return types.DefaultSystemPolicy(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query system policy: %w", err)
	}

	var sp types.SystemPolicy
	if err := json.Unmarshal(raw, &sp); err != nil {
		return nil, fmt.Errorf("unmarshal system policy: %w", err)
	}
	return &sp, nil
}

// FetchUserPolicy loads the per principal+project policy document.
func (s *Store) FetchUserPolicy(ctx context.Context, principalID, projectID string) (*types.UserPolicy, error) {
	query := `
		SELECT document FROM user_policies
		WHERE principal_id = $1 AND project_id = $2
	`
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, principalID, projectID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user policy %s/%s", store.ErrNotFound, principalID, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("query user policy: %w", err)
	}

	var up types.UserPolicy
	if err := json.Unmarshal(raw, &up); err != nil {
		return nil, fmt.Errorf("unmarshal user policy: %w", err)
	}
	return &up, nil
}

// FetchAvailableBalance returns the spendable balance for an account.
func (s *Store) FetchAvailableBalance(ctx context.Context, principalID, projectID string) (float64, error) {
	query := `
		SELECT available_balance FROM budget_accounts
		WHERE principal_id = $1 AND project_id = $2
	`
	var balance float64
	err := s.db.QueryRowContext(ctx, query, principalID, projectID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: budget account %s/%s", store.ErrNotFound, principalID, projectID)
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// FetchBudgetStatus returns the budget snapshot for an account.
func (s *Store) FetchBudgetStatus(ctx context.Context, principalID, projectID string) (*budget.Status, error) {
	query := `
		SELECT total_balance, available_balance, reserved_amount, currency,
			   spent_today, spent_month, spent_total,
			   daily_limit, monthly_limit, per_request_limit
		FROM budget_accounts
		WHERE principal_id = $1 AND project_id = $2
	`
	st := budget.Status{PrincipalID: principalID, ProjectID: projectID}
	var dailyLimit, monthlyLimit, perRequestLimit sql.NullFloat64

	err := s.db.QueryRowContext(ctx, query, principalID, projectID).Scan(
		&st.TotalBalance, &st.AvailableBalance, &st.ReservedAmount, &st.Currency,
		&st.SpentToday, &st.SpentThisMonth, &st.SpentTotal,
		&dailyLimit, &monthlyLimit, &perRequestLimit,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: budget account %s/%s", store.ErrNotFound, principalID, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("query budget status: %w", err)
	}

	st.DailyLimit = dailyLimit.Float64
	st.MonthlyLimit = monthlyLimit.Float64
	st.PerRequestLimit = perRequestLimit.Float64
	st.CheckedAt = s.now().UTC()
	return &st, nil
}

// FetchSpending returns the spent amount for one period. The rolling daily,
// monthly and total figures come from the account row; other periods are
// aggregated from the payment history.
func (s *Store) FetchSpending(ctx context.Context, principalID, projectID string, period budget.Period) (float64, error) {
	column := ""
	switch period {
	case budget.PeriodDaily:
		column = "spent_today"
	case budget.PeriodMonthly:
		column = "spent_month"
	case budget.PeriodYearly:
		column = "spent_total"
	}

	if column != "" {
		query := fmt.Sprintf(`SELECT %s FROM budget_accounts WHERE principal_id = $1 AND project_id = $2`, column)
		var amount float64
		err := s.db.QueryRowContext(ctx, query, principalID, projectID).Scan(&amount)
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("%w: budget account %s/%s", store.ErrNotFound, principalID, projectID)
		}
		if err != nil {
			return 0, fmt.Errorf("query spending: %w", err)
		}
		return amount, nil
	}

	var window time.Duration
	switch period {
	case budget.PeriodHourly:
		window = time.Hour
	case budget.PeriodWeekly:
		window = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unsupported spending period %q", period)
	}

	query := `
		SELECT COALESCE(SUM(estimated_amount), 0) FROM payments
		WHERE principal_id = $1 AND project_id = $2 AND created_at >= $3
	`
	var amount float64
	if err := s.db.QueryRowContext(ctx, query, principalID, projectID, s.now().UTC().Add(-window)).Scan(&amount); err != nil {
		return 0, fmt.Errorf("query spending: %w", err)
	}
	return amount, nil
}

// FetchAnalytics aggregates the payment history over a window.
func (s *Store) FetchAnalytics(ctx context.Context, principalID, projectID string, period budget.Period, start, end time.Time) (*budget.Analytics, error) {
	query := `
		SELECT provider, COALESCE(SUM(actual_amount), 0), COUNT(*)
		FROM payments
		WHERE principal_id = $1 AND project_id = $2
		  AND created_at >= $3 AND created_at < $4
		GROUP BY provider
	`
	rows, err := s.db.QueryContext(ctx, query, principalID, projectID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query analytics: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	an := &budget.Analytics{
		PrincipalID:        principalID,
		ProjectID:          projectID,
		Period:             period,
		StartDate:          start,
		EndDate:            end,
		SpendingByProvider: make(map[string]float64),
		RequestsByProvider: make(map[string]int),
	}
	for rows.Next() {
		var provider string
		var spent float64
		var count int
		if err := rows.Scan(&provider, &spent, &count); err != nil {
			return nil, fmt.Errorf("scan analytics row: %w", err)
		}
		an.SpendingByProvider[provider] = spent
		an.RequestsByProvider[provider] = count
		an.TotalSpent += spent
		an.RequestCount += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analytics rows: %w", err)
	}
	if an.RequestCount > 0 {
		an.AveragePerRequest = an.TotalSpent / float64(an.RequestCount)
	}
	return an, nil
}

// FetchPricing returns the latest rate document for a provider and model.
func (s *Store) FetchPricing(ctx context.Context, provider, model string) (*pricing.Pricing, error) {
	query := `
		SELECT document FROM pricing
		WHERE provider = $1 AND model_name = $2
		ORDER BY effective_date DESC
		LIMIT 1
	`
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, provider, model).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: pricing %s/%s", store.ErrNotFound, provider, model)
	}
	if err != nil {
		return nil, fmt.Errorf("query pricing: %w", err)
	}

	var p pricing.Pricing
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pricing: %w", err)
	}
	return &p, nil
}

// FetchPricingHistory returns rate documents effective within the window,
// newest first.
func (s *Store) FetchPricingHistory(ctx context.Context, provider, model string, days int) ([]*pricing.Pricing, error) {
	if days <= 0 {
		days = 30
	}
	query := `
		SELECT document FROM pricing
		WHERE provider = $1 AND model_name = $2 AND effective_date >= $3
		ORDER BY effective_date DESC
	`
	cutoff := s.now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx, query, provider, model, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query pricing history: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var history []*pricing.Pricing
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan pricing row: %w", err)
		}
		var p pricing.Pricing
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal pricing: %w", err)
		}
		history = append(history, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pricing rows: %w", err)
	}
	return history, nil
}

// FetchBaseline loads the behavioral baseline document.
func (s *Store) FetchBaseline(ctx context.Context, principalID, projectID string, lookbackDays int) (*risk.Baseline, error) {
	query := `
		SELECT document FROM baselines
		WHERE principal_id = $1 AND project_id = $2
	`
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, principalID, projectID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: baseline %s/%s", store.ErrNotFound, principalID, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("query baseline: %w", err)
	}

	var b risk.Baseline
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("unmarshal baseline: %w", err)
	}
	return &b, nil
}

// CreateReservation moves the estimated amount from available to reserved
// and records the reservation, all in one transaction. Replaying a request
// id returns the stored reservation without touching balances again.
func (s *Store) CreateReservation(ctx context.Context, requestID, principalID, projectID string, estimatedAmount float64) (*payment.Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &payment.Error{Op: "reserve", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if res, err := scanReservation(tx.QueryRowContext(ctx,
		`SELECT reservation_id, request_id, principal_id, project_id,
				estimated_amount, currency, status, tx_ref, reserved_at
		 FROM reservations WHERE request_id = $1`, requestID)); err == nil {
		return res, nil
	} else if err != sql.ErrNoRows {
		return nil, &payment.Error{Op: "reserve", Err: err}
	}

	hold := `
		UPDATE budget_accounts
		SET available_balance = available_balance - $3,
			reserved_amount = reserved_amount + $3,
			updated_at = now()
		WHERE principal_id = $1 AND project_id = $2 AND available_balance >= $3
	`
	result, err := tx.ExecContext(ctx, hold, principalID, projectID, estimatedAmount)
	if err != nil {
		return nil, &payment.Error{Op: "reserve", Err: err}
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, &payment.Error{Op: "reserve", Err: err}
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: need $%.4f", payment.ErrInsufficientFunds, estimatedAmount)
	}

	res := &payment.Reservation{
		ReservationID:   types.NewReservationID(),
		RequestID:       requestID,
		PrincipalID:     principalID,
		ProjectID:       projectID,
		EstimatedAmount: estimatedAmount,
		Currency:        "USDC",
		Status:          payment.StatusReserved,
		TxRef:           newTxRef(),
		ReservedAt:      s.now().UTC(),
	}
	insert := `
		INSERT INTO reservations (
			reservation_id, request_id, principal_id, project_id,
			estimated_amount, currency, status, tx_ref, reserved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := tx.ExecContext(ctx, insert,
		res.ReservationID, res.RequestID, res.PrincipalID, res.ProjectID,
		res.EstimatedAmount, res.Currency, res.Status, res.TxRef, res.ReservedAt,
	); err != nil {
		return nil, &payment.Error{Op: "reserve", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &payment.Error{Op: "reserve", Err: err}
	}
	return res, nil
}

// CommitPayment records the settlement, clears the hold and rolls the spent
// counters forward. Replaying a reservation id returns the stored payment id.
func (s *Store) CommitPayment(ctx context.Context, commit payment.Commit) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &payment.Error{Op: "commit", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT payment_id FROM payments WHERE reservation_id = $1`,
		commit.ReservationID).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", &payment.Error{Op: "commit", Err: err}
	}

	var principalID, projectID string
	err = tx.QueryRowContext(ctx,
		`SELECT principal_id, project_id FROM reservations WHERE reservation_id = $1`,
		commit.ReservationID).Scan(&principalID, &projectID)
	if err == sql.ErrNoRows {
		return "", &payment.Error{Op: "commit", Err: fmt.Errorf("reservation %s not found", commit.ReservationID)}
	}
	if err != nil {
		return "", &payment.Error{Op: "commit", Err: err}
	}

	paymentID := types.NewPaymentID()
	insert := `
		INSERT INTO payments (
			payment_id, reservation_id, request_id, principal_id, project_id,
			estimated_amount, actual_amount, variance_amount, variance_percent,
			provider, currency, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	if _, err := tx.ExecContext(ctx, insert,
		paymentID, commit.ReservationID, commit.RequestID, principalID, projectID,
		commit.EstimatedAmount, commit.ActualAmount, commit.VarianceAmount, commit.VariancePercent,
		commit.Provider, commit.Currency, payment.StatusCommitted, s.now().UTC(),
	); err != nil {
		return "", &payment.Error{Op: "commit", Err: err}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status = $2 WHERE reservation_id = $1`,
		commit.ReservationID, payment.StatusCommitted,
	); err != nil {
		return "", &payment.Error{Op: "commit", Err: err}
	}

	// The estimated amount is what actually left the ledger; variance is
	// reconciliation only, never refunded.
	settle := `
		UPDATE budget_accounts
		SET total_balance = total_balance - $3,
			reserved_amount = reserved_amount - $3,
			spent_today = spent_today + $3,
			spent_month = spent_month + $3,
			spent_total = spent_total + $3,
			updated_at = now()
		WHERE principal_id = $1 AND project_id = $2
	`
	if _, err := tx.ExecContext(ctx, settle, principalID, projectID, commit.EstimatedAmount); err != nil {
		return "", &payment.Error{Op: "commit", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return "", &payment.Error{Op: "commit", Err: err}
	}
	return paymentID, nil
}

// FetchPaymentStatus returns the recorded settlement for one payment.
func (s *Store) FetchPaymentStatus(ctx context.Context, paymentID string) (map[string]interface{}, error) {
	query := `
		SELECT payment_id, reservation_id, request_id, estimated_amount,
			   actual_amount, variance_amount, variance_percent, provider,
			   currency, status, created_at
		FROM payments
		WHERE payment_id = $1
	`
	var (
		createdAt                          time.Time
		estimated, actual, varAmt, varPct  float64
		reservationID, requestID, provider string
		currency, status                   string
	)
	err := s.db.QueryRowContext(ctx, query, paymentID).Scan(
		&paymentID, &reservationID, &requestID, &estimated,
		&actual, &varAmt, &varPct, &provider,
		&currency, &status, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: payment %s", store.ErrNotFound, paymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}

	return map[string]interface{}{
		"payment_id":       paymentID,
		"reservation_id":   reservationID,
		"request_id":       requestID,
		"estimated_amount": estimated,
		"actual_amount":    actual,
		"variance_amount":  varAmt,
		"variance_percent": varPct,
		"provider":         provider,
		"currency":         currency,
		"status":           status,
		"created_at":       createdAt.UTC().Format(time.RFC3339),
	}, nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanReservation(row *sql.Row) (*payment.Reservation, error) {
	var res payment.Reservation
	err := row.Scan(
		&res.ReservationID, &res.RequestID, &res.PrincipalID, &res.ProjectID,
		&res.EstimatedAmount, &res.Currency, &res.Status, &res.TxRef, &res.ReservedAt,
	)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// newTxRef fabricates a ledger transaction reference. A real chain would
// return its transaction hash; the SQL ledger uses a random one with the
// same shape.
func newTxRef() string {
	return "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
