// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package redis implements the metadata store and payment ledger on Redis.
// Documents (contexts, policies, pricing, baselines, reservations, payments)
// are JSON strings; budget accounts are hashes so balance movements can use
// HIncrByFloat atomically. Reservation and commit idempotency rides on SetNX
// keyed by request id and reservation id.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"tollgate/platform/budget"
	"tollgate/platform/payment"
	"tollgate/platform/pricing"
	"tollgate/platform/risk"
	"tollgate/platform/shared/types"
	"tollgate/platform/store"
)

const keyPrefix = "tollgate:"

// Store implements store.Store on Redis.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open parses a redis:// URL and connects.
func Open(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client), nil
}

// New wraps an existing client.
func New(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

func contextKey(principalID, projectID string) string {
	return keyPrefix + "context:" + principalID + ":" + projectID
}

func userPolicyKey(principalID, projectID string) string {
	return keyPrefix + "policy:" + principalID + ":" + projectID
}

func budgetKey(principalID, projectID string) string {
	return keyPrefix + "budget:" + principalID + ":" + projectID
}

func pricingKey(provider, model string) string {
	return keyPrefix + "pricing:" + provider + ":" + model
}

func pricingHistoryKey(provider, model string) string {
	return keyPrefix + "pricing-history:" + provider + ":" + model
}

func baselineKey(principalID, projectID string) string {
	return keyPrefix + "baseline:" + principalID + ":" + projectID
}

func reservationKey(requestID string) string {
	return keyPrefix + "reservation:req:" + requestID
}

func paymentByReservationKey(reservationID string) string {
	return keyPrefix + "payment:res:" + reservationID
}

func paymentKey(paymentID string) string {
	return keyPrefix + "payment:id:" + paymentID
}

func paymentLogKey(principalID, projectID string) string {
	return keyPrefix + "payments:" + principalID + ":" + projectID
}

const systemPolicyKey = keyPrefix + "policy:system"

// getJSON loads one JSON document. A missing key maps to store.ErrNotFound.
func (s *Store) getJSON(ctx context.Context, key string, out interface{}) error {
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// FetchPrincipalContext loads the context document and attaches the policy
// document when the context carries none.
func (s *Store) FetchPrincipalContext(ctx context.Context, principalID, projectID string) (*types.PrincipalContext, error) {
	var pc types.PrincipalContext
	if err := s.getJSON(ctx, contextKey(principalID, projectID), &pc); err != nil {
		return nil, err
	}
	if pc.Policy == nil {
		if policy, err := s.FetchUserPolicy(ctx, principalID, projectID); err == nil {
			pc.Policy = policy
		}
	}
	return &pc, nil
}

// FetchSystemPolicy loads the platform policy, falling back to the defaults
// when none is stored.
func (s *Store) FetchSystemPolicy(ctx context.Context) (*types.SystemPolicy, error) {
	var sp types.SystemPolicy
	err := s.getJSON(ctx, systemPolicyKey, &sp)
	if err == nil {
		return &sp, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return types.DefaultSystemPolicy(), nil
	}
	return nil, err
}

// FetchUserPolicy loads the per principal+project policy document.
func (s *Store) FetchUserPolicy(ctx context.Context, principalID, projectID string) (*types.UserPolicy, error) {
	var up types.UserPolicy
	if err := s.getJSON(ctx, userPolicyKey(principalID, projectID), &up); err != nil {
		return nil, err
	}
	return &up, nil
}

// budgetField reads one numeric field from the account hash.
func (s *Store) budgetField(ctx context.Context, principalID, projectID, field string) (float64, error) {
	raw, err := s.client.HGet(ctx, budgetKey(principalID, projectID), field).Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("%w: budget account %s/%s", store.ErrNotFound, principalID, projectID)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse budget field %s: %w", field, err)
	}
	return value, nil
}

// FetchAvailableBalance returns the spendable balance.
func (s *Store) FetchAvailableBalance(ctx context.Context, principalID, projectID string) (float64, error) {
	return s.budgetField(ctx, principalID, projectID, "available_balance")
}

// FetchBudgetStatus assembles the budget snapshot from the account hash.
func (s *Store) FetchBudgetStatus(ctx context.Context, principalID, projectID string) (*budget.Status, error) {
	fields, err := s.client.HGetAll(ctx, budgetKey(principalID, projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: budget account %s/%s", store.ErrNotFound, principalID, projectID)
	}

	number := func(field string) float64 {
		v, _ := strconv.ParseFloat(fields[field], 64)
		return v
	}
	st := &budget.Status{
		PrincipalID:      principalID,
		ProjectID:        projectID,
		TotalBalance:     number("total_balance"),
		AvailableBalance: number("available_balance"),
		ReservedAmount:   number("reserved_amount"),
		Currency:         fields["currency"],
		SpentToday:       number("spent_today"),
		SpentThisMonth:   number("spent_month"),
		SpentTotal:       number("spent_total"),
		DailyLimit:       number("daily_limit"),
		MonthlyLimit:     number("monthly_limit"),
		PerRequestLimit:  number("per_request_limit"),
		CheckedAt:        s.now().UTC(),
	}
	if st.Currency == "" {
		st.Currency = "USDC"
	}
	return st, nil
}

// FetchSpending returns the rolling counter for the period. The hash keeps
// daily, monthly and lifetime counters; other periods are not tracked.
func (s *Store) FetchSpending(ctx context.Context, principalID, projectID string, period budget.Period) (float64, error) {
	switch period {
	case budget.PeriodDaily:
		return s.budgetField(ctx, principalID, projectID, "spent_today")
	case budget.PeriodMonthly:
		return s.budgetField(ctx, principalID, projectID, "spent_month")
	case budget.PeriodYearly:
		return s.budgetField(ctx, principalID, projectID, "spent_total")
	default:
		return 0, fmt.Errorf("unsupported spending period %q", period)
	}
}

// FetchAnalytics aggregates the payment log for the window in-process.
func (s *Store) FetchAnalytics(ctx context.Context, principalID, projectID string, period budget.Period, start, end time.Time) (*budget.Analytics, error) {
	entries, err := s.client.LRange(ctx, paymentLogKey(principalID, projectID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	an := &budget.Analytics{
		PrincipalID:        principalID,
		ProjectID:          projectID,
		Period:             period,
		StartDate:          start,
		EndDate:            end,
		SpendingByProvider: make(map[string]float64),
		RequestsByProvider: make(map[string]int),
	}
	for _, entry := range entries {
		var rec paymentRecord
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			continue
		}
		if rec.CreatedAt.Before(start) || !rec.CreatedAt.Before(end) {
			continue
		}
		an.SpendingByProvider[rec.Provider] += rec.ActualAmount
		an.RequestsByProvider[rec.Provider]++
		an.TotalSpent += rec.ActualAmount
		an.RequestCount++
	}
	if an.RequestCount > 0 {
		an.AveragePerRequest = an.TotalSpent / float64(an.RequestCount)
	}
	return an, nil
}

// FetchPricing loads the current rate document for a provider and model.
func (s *Store) FetchPricing(ctx context.Context, provider, model string) (*pricing.Pricing, error) {
	var p pricing.Pricing
	if err := s.getJSON(ctx, pricingKey(provider, model), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// FetchPricingHistory returns documents from the history list whose
// effective date falls inside the window, newest first.
func (s *Store) FetchPricingHistory(ctx context.Context, provider, model string, days int) ([]*pricing.Pricing, error) {
	if days <= 0 {
		days = 30
	}
	entries, err := s.client.LRange(ctx, pricingHistoryKey(provider, model), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	cutoff := s.now().UTC().AddDate(0, 0, -days)
	var history []*pricing.Pricing
	for _, entry := range entries {
		var p pricing.Pricing
		if err := json.Unmarshal([]byte(entry), &p); err != nil {
			continue
		}
		if p.EffectiveDate.Before(cutoff) {
			continue
		}
		history = append(history, &p)
	}
	return history, nil
}

// FetchBaseline loads the behavioral baseline document.
func (s *Store) FetchBaseline(ctx context.Context, principalID, projectID string, lookbackDays int) (*risk.Baseline, error) {
	var b risk.Baseline
	if err := s.getJSON(ctx, baselineKey(principalID, projectID), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateReservation decrements the available balance atomically and records
// the reservation document. Replaying a request id returns the stored
// reservation; a lost SetNX race refunds the hold and returns the winner.
func (s *Store) CreateReservation(ctx context.Context, requestID, principalID, projectID string, estimatedAmount float64) (*payment.Reservation, error) {
	resKey := reservationKey(requestID)

	raw, err := s.client.Get(ctx, resKey).Result()
	if err == nil {
		var existing payment.Reservation
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			return nil, &payment.Error{Op: "reserve", Err: err}
		}
		return &existing, nil
	}
	if err != redis.Nil {
		return nil, &payment.Error{Op: "reserve", Err: err}
	}

	bKey := budgetKey(principalID, projectID)
	remaining, err := s.client.HIncrByFloat(ctx, bKey, "available_balance", -estimatedAmount).Result()
	if err != nil {
		return nil, &payment.Error{Op: "reserve", Err: err}
	}
	if remaining < 0 {
		_, _ = s.client.HIncrByFloat(ctx, bKey, "available_balance", estimatedAmount).Result()
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
	doc, err := json.Marshal(res)
	if err != nil {
		return nil, &payment.Error{Op: "reserve", Err: err}
	}

	set, err := s.client.SetNX(ctx, resKey, doc, 0).Result()
	if err != nil {
		_, _ = s.client.HIncrByFloat(ctx, bKey, "available_balance", estimatedAmount).Result()
		return nil, &payment.Error{Op: "reserve", Err: err}
	}
	if !set {
		_, _ = s.client.HIncrByFloat(ctx, bKey, "available_balance", estimatedAmount).Result()
		var existing payment.Reservation
		if err := s.getJSON(ctx, resKey, &existing); err != nil {
			return nil, &payment.Error{Op: "reserve", Err: err}
		}
		return &existing, nil
	}

	if _, err := s.client.HIncrByFloat(ctx, bKey, "reserved_amount", estimatedAmount).Result(); err != nil {
		return nil, &payment.Error{Op: "reserve", Err: err}
	}
	if err := s.client.Set(ctx, keyPrefix+"reservation:id:"+res.ReservationID, requestID, 0).Err(); err != nil {
		return nil, &payment.Error{Op: "reserve", Err: err}
	}
	return res, nil
}

// paymentRecord is the settlement document kept in the payment log.
type paymentRecord struct {
	PaymentID       string    `json:"payment_id"`
	ReservationID   string    `json:"reservation_id"`
	RequestID       string    `json:"request_id"`
	PrincipalID     string    `json:"principal_id"`
	ProjectID       string    `json:"project_id"`
	EstimatedAmount float64   `json:"estimated_amount"`
	ActualAmount    float64   `json:"actual_amount"`
	VarianceAmount  float64   `json:"variance_amount"`
	VariancePercent float64   `json:"variance_percent"`
	Provider        string    `json:"provider"`
	Currency        string    `json:"currency"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// CommitPayment records the settlement once per reservation id and rolls the
// account counters forward by the estimated (paid) amount.
func (s *Store) CommitPayment(ctx context.Context, commit payment.Commit) (string, error) {
	reqIDKey := keyPrefix + "reservation:id:" + commit.ReservationID
	requestID, err := s.client.Get(ctx, reqIDKey).Result()
	if err == redis.Nil {
		return "", &payment.Error{Op: "commit", Err: fmt.Errorf("reservation %s not found", commit.ReservationID)}
	}
	if err != nil {
		return "", &payment.Error{Op: "commit", Err: err}
	}

	var res payment.Reservation
	if err := s.getJSON(ctx, reservationKey(requestID), &res); err != nil {
		return "", &payment.Error{Op: "commit", Err: err}
	}

	rec := paymentRecord{
		PaymentID:       types.NewPaymentID(),
		ReservationID:   commit.ReservationID,
		RequestID:       commit.RequestID,
		PrincipalID:     res.PrincipalID,
		ProjectID:       res.ProjectID,
		EstimatedAmount: commit.EstimatedAmount,
		ActualAmount:    commit.ActualAmount,
		VarianceAmount:  commit.VarianceAmount,
		VariancePercent: commit.VariancePercent,
		Provider:        commit.Provider,
		Currency:        commit.Currency,
		Status:          string(payment.StatusCommitted),
		CreatedAt:       s.now().UTC(),
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return "", &payment.Error{Op: "commit", Err: err}
	}

	set, err := s.client.SetNX(ctx, paymentByReservationKey(commit.ReservationID), doc, 0).Result()
	if err != nil {
		return "", &payment.Error{Op: "commit", Err: err}
	}
	if !set {
		var existing paymentRecord
		if err := s.getJSON(ctx, paymentByReservationKey(commit.ReservationID), &existing); err != nil {
			return "", &payment.Error{Op: "commit", Err: err}
		}
		return existing.PaymentID, nil
	}

	res.Status = payment.StatusCommitted
	if updated, err := json.Marshal(&res); err == nil {
		_ = s.client.Set(ctx, reservationKey(requestID), updated, 0).Err()
	}

	bKey := budgetKey(res.PrincipalID, res.ProjectID)
	for field, delta := range map[string]float64{
		"total_balance":   -commit.EstimatedAmount,
		"reserved_amount": -commit.EstimatedAmount,
		"spent_today":     commit.EstimatedAmount,
		"spent_month":     commit.EstimatedAmount,
		"spent_total":     commit.EstimatedAmount,
	} {
		if _, err := s.client.HIncrByFloat(ctx, bKey, field, delta).Result(); err != nil {
			return "", &payment.Error{Op: "commit", Err: err}
		}
	}

	if err := s.client.Set(ctx, paymentKey(rec.PaymentID), doc, 0).Err(); err != nil {
		return "", &payment.Error{Op: "commit", Err: err}
	}
	if err := s.client.LPush(ctx, paymentLogKey(res.PrincipalID, res.ProjectID), doc).Err(); err != nil {
		return "", &payment.Error{Op: "commit", Err: err}
	}
	return rec.PaymentID, nil
}

// FetchPaymentStatus returns the stored settlement document.
func (s *Store) FetchPaymentStatus(ctx context.Context, paymentID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := s.getJSON(ctx, paymentKey(paymentID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func newTxRef() string {
	return "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
