// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package mongo implements the metadata store and payment ledger on MongoDB.
// Policy, pricing and baseline documents are stored as JSON text inside an
// envelope document; budget accounts and the ledger are native documents so
// reservation can run as a conditional $inc and idempotency can ride on
// unique indexes.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"tollgate/platform/budget"
	"tollgate/platform/payment"
	"tollgate/platform/pricing"
	"tollgate/platform/risk"
	"tollgate/platform/shared/types"
	"tollgate/platform/store"
)

// Store implements store.Store on MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to MongoDB and ensures the ledger indexes exist.
func Open(uri, database string) (*Store, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetConnectTimeout(10 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	s := New(client, database)
	if err := s.EnsureIndexes(context.Background()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

// New wraps an existing client.
func New(client *mongo.Client, database string) *Store {
	if database == "" {
		database = "tollgate"
	}
	return &Store{
		client: client,
		db:     client.Database(database),
		now:    time.Now,
	}
}

// EnsureIndexes creates the unique keys idempotency depends on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	indexes := []struct {
		collection string
		keys       bson.D
		opts       *options.IndexOptions
	}{
		{"reservations", bson.D{{Key: "request_id", Value: 1}}, unique},
		{"payments", bson.D{{Key: "reservation_id", Value: 1}}, unique},
		{"contexts", bson.D{{Key: "principal_id", Value: 1}, {Key: "project_id", Value: 1}}, unique},
		{"user_policies", bson.D{{Key: "principal_id", Value: 1}, {Key: "project_id", Value: 1}}, unique},
		{"budget_accounts", bson.D{{Key: "principal_id", Value: 1}, {Key: "project_id", Value: 1}}, unique},
		{"baselines", bson.D{{Key: "principal_id", Value: 1}, {Key: "project_id", Value: 1}}, unique},
		{"pricing", bson.D{{Key: "provider", Value: 1}, {Key: "model_name", Value: 1}, {Key: "effective_date", Value: -1}}, nil},
	}
	for _, idx := range indexes {
		model := mongo.IndexModel{Keys: idx.keys, Options: idx.opts}
		if _, err := s.db.Collection(idx.collection).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("create index on %s: %w", idx.collection, err)
		}
	}
	return nil
}

// envelope is the shape shared by the JSON-document collections.
type envelope struct {
	PrincipalID string `bson:"principal_id,omitempty"`
	ProjectID   string `bson:"project_id,omitempty"`
	Document    string `bson:"document"`
}

// getDocument loads the JSON document matching filter from collection.
func (s *Store) getDocument(ctx context.Context, collection string, filter bson.M, opts *options.FindOneOptions, out interface{}) error {
	var env envelope
	var err error
	if opts != nil {
		err = s.db.Collection(collection).FindOne(ctx, filter, opts).Decode(&env)
	} else {
		err = s.db.Collection(collection).FindOne(ctx, filter).Decode(&env)
	}
	if err == mongo.ErrNoDocuments {
		return fmt.Errorf("%w: %s %v", store.ErrNotFound, collection, filter)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if err := json.Unmarshal([]byte(env.Document), out); err != nil {
		return fmt.Errorf("unmarshal %s document: %w", collection, err)
	}
	return nil
}

// FetchPrincipalContext loads the context document, attaching the stored
// policy when the context carries none.
func (s *Store) FetchPrincipalContext(ctx context.Context, principalID, projectID string) (*types.PrincipalContext, error) {
	filter := bson.M{"principal_id": principalID, "project_id": projectID}
	var pc types.PrincipalContext
	if err := s.getDocument(ctx, "contexts", filter, nil, &pc); err != nil {
		return nil, err
	}
	if pc.Policy == nil {
		if policy, err := s.FetchUserPolicy(ctx, principalID, projectID); err == nil {
			pc.Policy = policy
		}
	}
	return &pc, nil
}

// FetchSystemPolicy loads the active system policy, falling back to the
// platform defaults when none is stored.
func (s *Store) FetchSystemPolicy(ctx context.Context) (*types.SystemPolicy, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	var sp types.SystemPolicy
	err := s.getDocument(ctx, "system_policies", bson.M{"is_active": true}, opts, &sp)
	if err == nil {
		return &sp, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return types.DefaultSystemPolicy(), nil
	}
	return nil, err
}

// FetchUserPolicy loads the policy document for a principal and project.
func (s *Store) FetchUserPolicy(ctx context.Context, principalID, projectID string) (*types.UserPolicy, error) {
	filter := bson.M{"principal_id": principalID, "project_id": projectID}
	var up types.UserPolicy
	if err := s.getDocument(ctx, "user_policies", filter, nil, &up); err != nil {
		return nil, err
	}
	return &up, nil
}

// budgetAccount is the native budget document; balances move via $inc.
type budgetAccount struct {
	PrincipalID      string  `bson:"principal_id"`
	ProjectID        string  `bson:"project_id"`
	TotalBalance     float64 `bson:"total_balance"`
	AvailableBalance float64 `bson:"available_balance"`
	ReservedAmount   float64 `bson:"reserved_amount"`
	Currency         string  `bson:"currency"`
	SpentToday       float64 `bson:"spent_today"`
	SpentMonth       float64 `bson:"spent_month"`
	SpentTotal       float64 `bson:"spent_total"`
	DailyLimit       float64 `bson:"daily_limit,omitempty"`
	MonthlyLimit     float64 `bson:"monthly_limit,omitempty"`
	PerRequestLimit  float64 `bson:"per_request_limit,omitempty"`
}

func (s *Store) budgetAccount(ctx context.Context, principalID, projectID string) (*budgetAccount, error) {
	filter := bson.M{"principal_id": principalID, "project_id": projectID}
	var acct budgetAccount
	err := s.db.Collection("budget_accounts").FindOne(ctx, filter).Decode(&acct)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("%w: budget account %s/%s", store.ErrNotFound, principalID, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return &acct, nil
}

// FetchAvailableBalance returns the spendable balance.
func (s *Store) FetchAvailableBalance(ctx context.Context, principalID, projectID string) (float64, error) {
	acct, err := s.budgetAccount(ctx, principalID, projectID)
	if err != nil {
		return 0, err
	}
	return acct.AvailableBalance, nil
}

// FetchBudgetStatus returns the budget snapshot.
func (s *Store) FetchBudgetStatus(ctx context.Context, principalID, projectID string) (*budget.Status, error) {
	acct, err := s.budgetAccount(ctx, principalID, projectID)
	if err != nil {
		return nil, err
	}
	currency := acct.Currency
	if currency == "" {
		currency = "USDC"
	}
	return &budget.Status{
		PrincipalID:      principalID,
		ProjectID:        projectID,
		TotalBalance:     acct.TotalBalance,
		AvailableBalance: acct.AvailableBalance,
		ReservedAmount:   acct.ReservedAmount,
		Currency:         currency,
		SpentToday:       acct.SpentToday,
		SpentThisMonth:   acct.SpentMonth,
		SpentTotal:       acct.SpentTotal,
		DailyLimit:       acct.DailyLimit,
		MonthlyLimit:     acct.MonthlyLimit,
		PerRequestLimit:  acct.PerRequestLimit,
		CheckedAt:        s.now().UTC(),
	}, nil
}

// FetchSpending returns spending for one period. Rolling counters come from
// the account document; hourly and weekly are aggregated from payments.
func (s *Store) FetchSpending(ctx context.Context, principalID, projectID string, period budget.Period) (float64, error) {
	switch period {
	case budget.PeriodDaily, budget.PeriodMonthly, budget.PeriodYearly:
		acct, err := s.budgetAccount(ctx, principalID, projectID)
		if err != nil {
			return 0, err
		}
		switch period {
		case budget.PeriodDaily:
			return acct.SpentToday, nil
		case budget.PeriodMonthly:
			return acct.SpentMonth, nil
		default:
			return acct.SpentTotal, nil
		}
	case budget.PeriodHourly, budget.PeriodWeekly:
		window := time.Hour
		if period == budget.PeriodWeekly {
			window = 7 * 24 * time.Hour
		}
		return s.sumPayments(ctx, principalID, projectID, s.now().UTC().Add(-window), s.now().UTC())
	default:
		return 0, fmt.Errorf("unsupported spending period %q", period)
	}
}

func (s *Store) sumPayments(ctx context.Context, principalID, projectID string, start, end time.Time) (float64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"principal_id": principalID,
			"project_id":   projectID,
			"created_at":   bson.M{"$gte": start, "$lt": end},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":   nil,
			"total": bson.M{"$sum": "$estimated_amount"},
		}}},
	}
	cursor, err := s.db.Collection("payments").Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var results []struct {
		Total float64 `bson:"total"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return 0, fmt.Errorf("decode spending aggregate: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0].Total, nil
}

// FetchAnalytics aggregates the payment history per provider over a window.
func (s *Store) FetchAnalytics(ctx context.Context, principalID, projectID string, period budget.Period, start, end time.Time) (*budget.Analytics, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"principal_id": principalID,
			"project_id":   projectID,
			"created_at":   bson.M{"$gte": start.UTC(), "$lt": end.UTC()},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$provider",
			"spent": bson.M{"$sum": "$actual_amount"},
			"count": bson.M{"$sum": 1},
		}}},
	}
	cursor, err := s.db.Collection("payments").Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer func() {
		_ = cursor.Close(ctx)
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
	var rows []struct {
		Provider string  `bson:"_id"`
		Spent    float64 `bson:"spent"`
		Count    int     `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode analytics aggregate: %w", err)
	}
	for _, row := range rows {
		an.SpendingByProvider[row.Provider] = row.Spent
		an.RequestsByProvider[row.Provider] = row.Count
		an.TotalSpent += row.Spent
		an.RequestCount += row.Count
	}
	if an.RequestCount > 0 {
		an.AveragePerRequest = an.TotalSpent / float64(an.RequestCount)
	}
	return an, nil
}

// FetchPricing loads the newest rate document for a provider and model.
func (s *Store) FetchPricing(ctx context.Context, provider, model string) (*pricing.Pricing, error) {
	filter := bson.M{"provider": provider, "model_name": model}
	opts := options.FindOne().SetSort(bson.D{{Key: "effective_date", Value: -1}})
	var p pricing.Pricing
	if err := s.getDocument(ctx, "pricing", filter, opts, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// FetchPricingHistory returns rate documents effective within the window,
// newest first.
func (s *Store) FetchPricingHistory(ctx context.Context, provider, model string, days int) ([]*pricing.Pricing, error) {
	if days <= 0 {
		days = 30
	}
	filter := bson.M{
		"provider":       provider,
		"model_name":     model,
		"effective_date": bson.M{"$gte": s.now().UTC().AddDate(0, 0, -days)},
	}
	opts := options.Find().SetSort(bson.D{{Key: "effective_date", Value: -1}})
	cursor, err := s.db.Collection("pricing").Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var history []*pricing.Pricing
	for cursor.Next(ctx) {
		var env envelope
		if err := cursor.Decode(&env); err != nil {
			return nil, fmt.Errorf("decode pricing envelope: %w", err)
		}
		var p pricing.Pricing
		if err := json.Unmarshal([]byte(env.Document), &p); err != nil {
			return nil, fmt.Errorf("unmarshal pricing document: %w", err)
		}
		history = append(history, &p)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate pricing cursor: %w", err)
	}
	return history, nil
}

// FetchBaseline loads the behavioral baseline document.
func (s *Store) FetchBaseline(ctx context.Context, principalID, projectID string, lookbackDays int) (*risk.Baseline, error) {
	filter := bson.M{"principal_id": principalID, "project_id": projectID}
	var b risk.Baseline
	if err := s.getDocument(ctx, "baselines", filter, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// reservationDoc is the native ledger reservation document.
type reservationDoc struct {
	ReservationID   string    `bson:"reservation_id"`
	RequestID       string    `bson:"request_id"`
	PrincipalID     string    `bson:"principal_id"`
	ProjectID       string    `bson:"project_id"`
	EstimatedAmount float64   `bson:"estimated_amount"`
	Currency        string    `bson:"currency"`
	Status          string    `bson:"status"`
	TxRef           string    `bson:"tx_ref"`
	ReservedAt      time.Time `bson:"reserved_at"`
}

func (d *reservationDoc) toReservation() *payment.Reservation {
	return &payment.Reservation{
		ReservationID:   d.ReservationID,
		RequestID:       d.RequestID,
		PrincipalID:     d.PrincipalID,
		ProjectID:       d.ProjectID,
		EstimatedAmount: d.EstimatedAmount,
		Currency:        d.Currency,
		Status:          payment.Status(d.Status),
		TxRef:           d.TxRef,
		ReservedAt:      d.ReservedAt,
	}
}

// CreateReservation conditionally moves the estimate from available to
// reserved and inserts the reservation. The unique index on request_id makes
// replays return the stored reservation.
func (s *Store) CreateReservation(ctx context.Context, requestID, principalID, projectID string, estimatedAmount float64) (*payment.Reservation, error) {
	reservations := s.db.Collection("reservations")

	var existing reservationDoc
	err := reservations.FindOne(ctx, bson.M{"request_id": requestID}).Decode(&existing)
	if err == nil {
		return existing.toReservation(), nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, &payment.Error{Op: "reserve", Err: err}
	}

	hold := s.db.Collection("budget_accounts").FindOneAndUpdate(ctx,
		bson.M{
			"principal_id":      principalID,
			"project_id":        projectID,
			"available_balance": bson.M{"$gte": estimatedAmount},
		},
		bson.M{"$inc": bson.M{
			"available_balance": -estimatedAmount,
			"reserved_amount":   estimatedAmount,
		}},
	)
	if err := hold.Err(); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("%w: need $%.4f", payment.ErrInsufficientFunds, estimatedAmount)
		}
		return nil, &payment.Error{Op: "reserve", Err: err}
	}

	doc := reservationDoc{
		ReservationID:   types.NewReservationID(),
		RequestID:       requestID,
		PrincipalID:     principalID,
		ProjectID:       projectID,
		EstimatedAmount: estimatedAmount,
		Currency:        "USDC",
		Status:          string(payment.StatusReserved),
		TxRef:           newTxRef(),
		ReservedAt:      s.now().UTC(),
	}
	if _, err := reservations.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Lost the insert race: undo the hold and return the winner.
			_ = s.db.Collection("budget_accounts").FindOneAndUpdate(ctx,
				bson.M{"principal_id": principalID, "project_id": projectID},
				bson.M{"$inc": bson.M{
					"available_balance": estimatedAmount,
					"reserved_amount":   -estimatedAmount,
				}},
			)
			if ferr := reservations.FindOne(ctx, bson.M{"request_id": requestID}).Decode(&existing); ferr == nil {
				return existing.toReservation(), nil
			}
		}
		return nil, &payment.Error{Op: "reserve", Err: err}
	}
	return doc.toReservation(), nil
}

// paymentDoc is the native settlement document.
type paymentDoc struct {
	PaymentID       string    `bson:"payment_id"`
	ReservationID   string    `bson:"reservation_id"`
	RequestID       string    `bson:"request_id"`
	PrincipalID     string    `bson:"principal_id"`
	ProjectID       string    `bson:"project_id"`
	EstimatedAmount float64   `bson:"estimated_amount"`
	ActualAmount    float64   `bson:"actual_amount"`
	VarianceAmount  float64   `bson:"variance_amount"`
	VariancePercent float64   `bson:"variance_percent"`
	Provider        string    `bson:"provider"`
	Currency        string    `bson:"currency"`
	Status          string    `bson:"status"`
	CreatedAt       time.Time `bson:"created_at"`
}

// CommitPayment records the settlement once per reservation id and rolls
// the account counters forward by the estimated (paid) amount.
func (s *Store) CommitPayment(ctx context.Context, commit payment.Commit) (string, error) {
	payments := s.db.Collection("payments")

	var existing paymentDoc
	err := payments.FindOne(ctx, bson.M{"reservation_id": commit.ReservationID}).Decode(&existing)
	if err == nil {
		return existing.PaymentID, nil
	}
	if err != mongo.ErrNoDocuments {
		return "", &payment.Error{Op: "commit", Err: err}
	}

	var res reservationDoc
	err = s.db.Collection("reservations").FindOne(ctx, bson.M{"reservation_id": commit.ReservationID}).Decode(&res)
	if err == mongo.ErrNoDocuments {
		return "", &payment.Error{Op: "commit", Err: fmt.Errorf("reservation %s not found", commit.ReservationID)}
	}
	if err != nil {
		return "", &payment.Error{Op: "commit", Err: err}
	}

	doc := paymentDoc{
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
	if _, err := payments.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if ferr := payments.FindOne(ctx, bson.M{"reservation_id": commit.ReservationID}).Decode(&existing); ferr == nil {
				return existing.PaymentID, nil
			}
		}
		return "", &payment.Error{Op: "commit", Err: err}
	}

	if _, err := s.db.Collection("reservations").UpdateOne(ctx,
		bson.M{"reservation_id": commit.ReservationID},
		bson.M{"$set": bson.M{"status": string(payment.StatusCommitted)}},
	); err != nil {
		return "", &payment.Error{Op: "commit", Err: err}
	}

	if _, err := s.db.Collection("budget_accounts").UpdateOne(ctx,
		bson.M{"principal_id": res.PrincipalID, "project_id": res.ProjectID},
		bson.M{"$inc": bson.M{
			"total_balance":   -commit.EstimatedAmount,
			"reserved_amount": -commit.EstimatedAmount,
			"spent_today":     commit.EstimatedAmount,
			"spent_month":     commit.EstimatedAmount,
			"spent_total":     commit.EstimatedAmount,
		}},
	); err != nil {
		return "", &payment.Error{Op: "commit", Err: err}
	}
	return doc.PaymentID, nil
}

// FetchPaymentStatus returns the stored settlement for one payment.
func (s *Store) FetchPaymentStatus(ctx context.Context, paymentID string) (map[string]interface{}, error) {
	var doc paymentDoc
	err := s.db.Collection("payments").FindOne(ctx, bson.M{"payment_id": paymentID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("%w: payment %s", store.ErrNotFound, paymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return map[string]interface{}{
		"payment_id":       doc.PaymentID,
		"reservation_id":   doc.ReservationID,
		"request_id":       doc.RequestID,
		"estimated_amount": doc.EstimatedAmount,
		"actual_amount":    doc.ActualAmount,
		"variance_amount":  doc.VarianceAmount,
		"variance_percent": doc.VariancePercent,
		"provider":         doc.Provider,
		"currency":         doc.Currency,
		"status":           doc.Status,
		"created_at":       doc.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

// Ping verifies the primary answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func newTxRef() string {
	return "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
