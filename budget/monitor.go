// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tollgate/platform/shared/logger"
)

// AlertType identifies what a spending alert is about.
type AlertType string

const (
	AlertDailyBudget     AlertType = "daily_budget"
	AlertMonthlyBudget   AlertType = "monthly_budget"
	AlertUnusualSpending AlertType = "unusual_spending"
	AlertLowBalance      AlertType = "low_balance"
)

// AlertLevel grades an alert's urgency.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert describes a spending condition worth attention. Alerts are
// advisory; they never block a request.
type Alert struct {
	Type        AlertType  `json:"type"`
	Level       AlertLevel `json:"level"`
	PrincipalID string     `json:"principal_id"`
	ProjectID   string     `json:"project_id"`
	Message     string     `json:"message"`
	Spent       float64    `json:"spent"`
	Limit       float64    `json:"limit,omitempty"`
	Percent     float64    `json:"percent,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Alerter receives spending alerts.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// LogAlerter writes alerts to the structured log.
type LogAlerter struct {
	log *logger.Logger
}

// NewLogAlerter creates an Alerter backed by the shared logger.
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{log: logger.New("budget-alerts")}
}

// Alert logs the alert at a severity matching its level.
func (a *LogAlerter) Alert(_ context.Context, alert Alert) error {
	fields := map[string]interface{}{
		"alert_type": string(alert.Type),
		"level":      string(alert.Level),
		"project_id": alert.ProjectID,
		"spent":      alert.Spent,
		"limit":      alert.Limit,
		"percent":    alert.Percent,
	}
	switch alert.Level {
	case AlertCritical:
		a.log.Error(alert.PrincipalID, "", alert.Message, fields)
	case AlertWarning:
		a.log.Warn(alert.PrincipalID, "", alert.Message, fields)
	default:
		a.log.Info(alert.PrincipalID, "", alert.Message, fields)
	}
	return nil
}

// thresholds are checked highest first so a single pass emits the most
// severe crossing only.
var alertThresholds = []struct {
	percent float64
	level   AlertLevel
}{
	{100, AlertCritical},
	{90, AlertWarning},
	{75, AlertInfo},
}

// unusualSpendingMultiple flags a day spending more than this multiple of
// the trailing daily average.
const unusualSpendingMultiple = 3.0

// Monitor watches spending against limits and raises alerts through an
// Alerter. Each threshold fires once per principal, project and period.
type Monitor struct {
	tracker *Tracker
	alerter Alerter
	log     *logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	alerted map[string]bool
}

// NewMonitor creates a spending monitor. A nil alerter defaults to the
// log-backed one.
func NewMonitor(tracker *Tracker, alerter Alerter) *Monitor {
	if alerter == nil {
		alerter = NewLogAlerter()
	}
	return &Monitor{
		tracker: tracker,
		alerter: alerter,
		log:     logger.New("budget-monitor"),
		now:     time.Now,
		alerted: make(map[string]bool),
	}
}

// CheckSpendingStatus evaluates the principal's spending and emits any
// alerts that have newly crossed a threshold. It returns the alerts raised
// on this call. Lookup failures are logged and swallowed; monitoring must
// not disturb the request path.
func (m *Monitor) CheckSpendingStatus(ctx context.Context, principalID, projectID string) []Alert {
	status, err := m.tracker.Status(ctx, principalID, projectID, true)
	if err != nil {
		m.log.Warn(principalID, "", "spending status unavailable", map[string]interface{}{
			"project_id": projectID,
			"error":      err.Error(),
		})
		return nil
	}

	now := m.now().UTC()
	var alerts []Alert

	if status.DailyLimit > 0 {
		if alert := m.thresholdAlert(AlertDailyBudget, principalID, projectID,
			status.SpentToday, status.DailyLimit, now.Format("2006-01-02"), now); alert != nil {
			alerts = append(alerts, *alert)
		}
	}
	if status.MonthlyLimit > 0 {
		if alert := m.thresholdAlert(AlertMonthlyBudget, principalID, projectID,
			status.SpentThisMonth, status.MonthlyLimit, now.Format("2006-01"), now); alert != nil {
			alerts = append(alerts, *alert)
		}
	}
	if status.LowBalanceWarning {
		if alert := m.lowBalanceAlert(principalID, projectID, status, now); alert != nil {
			alerts = append(alerts, *alert)
		}
	}
	if alert := m.unusualSpendingAlert(ctx, principalID, projectID, status, now); alert != nil {
		alerts = append(alerts, *alert)
	}

	for _, alert := range alerts {
		if err := m.alerter.Alert(ctx, alert); err != nil {
			m.log.Warn(principalID, "", "alert delivery failed", map[string]interface{}{
				"alert_type": string(alert.Type),
				"error":      err.Error(),
			})
		}
	}
	return alerts
}

func (m *Monitor) thresholdAlert(alertType AlertType, principalID, projectID string, spent, limit float64, periodKey string, now time.Time) *Alert {
	percent := spent / limit * 100
	for _, threshold := range alertThresholds {
		if percent < threshold.percent {
			continue
		}
		key := fmt.Sprintf("%s:%s:%s:%s:%.0f", alertType, principalID, projectID, periodKey, threshold.percent)
		if !m.markAlerted(key) {
			return nil
		}
		return &Alert{
			Type:        alertType,
			Level:       threshold.level,
			PrincipalID: principalID,
			ProjectID:   projectID,
			Message: fmt.Sprintf("%s spending at %.1f%% of limit: $%.4f of $%.4f",
				alertLabel(alertType), percent, spent, limit),
			Spent:     spent,
			Limit:     limit,
			Percent:   percent,
			CreatedAt: now,
		}
	}
	return nil
}

func (m *Monitor) lowBalanceAlert(principalID, projectID string, status *Status, now time.Time) *Alert {
	key := fmt.Sprintf("%s:%s:%s:%s", AlertLowBalance, principalID, projectID, now.Format("2006-01-02"))
	if !m.markAlerted(key) {
		return nil
	}
	consumed := status.TotalBalance - status.AvailableBalance
	percent := 0.0
	if status.TotalBalance > 0 {
		percent = consumed / status.TotalBalance * 100
	}
	return &Alert{
		Type:        AlertLowBalance,
		Level:       AlertWarning,
		PrincipalID: principalID,
		ProjectID:   projectID,
		Message: fmt.Sprintf("Low balance: $%.4f remaining of $%.4f budget",
			status.AvailableBalance, status.TotalBalance),
		Spent:     consumed,
		Limit:     status.TotalBalance,
		Percent:   percent,
		CreatedAt: now,
	}
}

func (m *Monitor) unusualSpendingAlert(ctx context.Context, principalID, projectID string, status *Status, now time.Time) *Alert {
	analytics, err := m.tracker.Analytics(ctx, principalID, projectID, PeriodMonthly, time.Time{}, time.Time{})
	if err != nil {
		return nil
	}
	dailyAverage := analytics.DailyAverage()
	if dailyAverage <= 0 || status.SpentToday <= dailyAverage*unusualSpendingMultiple {
		return nil
	}
	key := fmt.Sprintf("%s:%s:%s:%s", AlertUnusualSpending, principalID, projectID, now.Format("2006-01-02"))
	if !m.markAlerted(key) {
		return nil
	}
	return &Alert{
		Type:        AlertUnusualSpending,
		Level:       AlertWarning,
		PrincipalID: principalID,
		ProjectID:   projectID,
		Message: fmt.Sprintf("Unusual spending: $%.4f today vs $%.4f daily average",
			status.SpentToday, dailyAverage),
		Spent:     status.SpentToday,
		Limit:     dailyAverage,
		CreatedAt: now,
	}
}

// markAlerted records the key and reports whether it was new.
func (m *Monitor) markAlerted(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.alerted[key] {
		return false
	}
	m.alerted[key] = true
	return true
}

// ResetAlerts forgets alert history, re-arming every threshold.
func (m *Monitor) ResetAlerts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerted = make(map[string]bool)
}

func alertLabel(alertType AlertType) string {
	switch alertType {
	case AlertDailyBudget:
		return "Daily"
	case AlertMonthlyBudget:
		return "Monthly"
	default:
		return string(alertType)
	}
}
