// Package observability implements the canonical event log and
// operator alerting (spec §21, §24): every NO_TRADE decision is
// logged under one of the 23 closed-set reason codes, and fatal,
// degraded-mode, and daily-stop-loss conditions page the operator over
// Telegram.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/polyedge/polyedge/internal/polyconst"
)

// Event is one canonical log entry.
type Event struct {
	TsUTC       time.Time
	EventType   string
	MarketID    string
	CandidateID string
	ReasonCode  polyconst.NoTradeReason
	Details     map[string]any
}

const recentEventBuffer = 100

// EventLog accumulates canonical events in memory and tallies
// NO_TRADE reason-code counts for observability dashboards.
type EventLog struct {
	mu            sync.Mutex
	logger        *slog.Logger
	events        []Event
	noTradeCounts map[polyconst.NoTradeReason]int
	totalEvents   int
}

// NewEventLog constructs an EventLog.
func NewEventLog(logger *slog.Logger) *EventLog {
	return &EventLog{
		logger:        logger.With("component", "observability"),
		noTradeCounts: make(map[polyconst.NoTradeReason]int),
	}
}

// LogEvent records one event. A non-empty reasonCode must be one of
// the 23 canonical codes (spec §21.2); anything else is still logged
// but not tallied into no_trade_stats, and a warning is emitted since
// it indicates a caller bug.
func (e *EventLog) LogEvent(eventType, marketID, candidateID string, reasonCode polyconst.NoTradeReason, details map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	event := Event{
		TsUTC:       time.Now().UTC(),
		EventType:   eventType,
		MarketID:    marketID,
		CandidateID: candidateID,
		ReasonCode:  reasonCode,
		Details:     details,
	}
	e.events = append(e.events, event)
	e.totalEvents++
	if len(e.events) > recentEventBuffer*4 {
		e.events = e.events[len(e.events)-recentEventBuffer:]
	}

	if reasonCode != "" {
		if polyconst.AllNoTradeReasons[reasonCode] {
			e.noTradeCounts[reasonCode]++
		} else {
			e.logger.Warn("reason code is not a canonical NO_TRADE reason", "reason_code", reasonCode)
		}
	}

	e.logger.Info("event", "type", eventType, "market", orDash(marketID), "reason", orDashReason(reasonCode))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func orDashReason(r polyconst.NoTradeReason) string {
	if r == "" {
		return "-"
	}
	return string(r)
}

// NoTradeStats returns a snapshot of per-reason-code counts.
func (e *EventLog) NoTradeStats() map[polyconst.NoTradeReason]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[polyconst.NoTradeReason]int, len(e.noTradeCounts))
	for k, v := range e.noTradeCounts {
		out[k] = v
	}
	return out
}

// RecentEvents returns up to the last 100 logged events.
func (e *EventLog) RecentEvents() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) <= recentEventBuffer {
		out := make([]Event, len(e.events))
		copy(out, e.events)
		return out
	}
	tail := e.events[len(e.events)-recentEventBuffer:]
	out := make([]Event, len(tail))
	copy(out, tail)
	return out
}

// Stats is an aggregate summary for dashboards.
type Stats struct {
	TotalEvents      int
	NoTradeBreakdown map[polyconst.NoTradeReason]int
	UniqueReasons    int
}

// Stats returns the current aggregate snapshot.
func (e *EventLog) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	breakdown := make(map[polyconst.NoTradeReason]int, len(e.noTradeCounts))
	for k, v := range e.noTradeCounts {
		breakdown[k] = v
	}
	return Stats{
		TotalEvents:      e.totalEvents,
		NoTradeBreakdown: breakdown,
		UniqueReasons:    len(e.noTradeCounts),
	}
}

// AlertSeverity classifies an operator alert's urgency.
type AlertSeverity string

const (
	SeverityFatal    AlertSeverity = "FATAL"
	SeverityDegraded AlertSeverity = "DEGRADED"
	SeverityStopLoss AlertSeverity = "STOP_LOSS"
	SeverityInfo     AlertSeverity = "INFO"
)

const alertDedupWindow = 5 * time.Minute

// AlertSender is implemented by both Alerter and NoopAlerter, letting
// callers wire up operator alerting without a Telegram bot token.
type AlertSender interface {
	SendAlert(ctx context.Context, severity AlertSeverity, message, dedupKey string, now time.Time) error
}

// Alerter sends operator notifications over Telegram, deduplicating
// repeated alerts that share a dedup key within alertDedupWindow so a
// flapping condition doesn't page the operator every tick.
type Alerter struct {
	mu       sync.Mutex
	bot      *tgbotapi.BotAPI
	chatID   int64
	logger   *slog.Logger
	lastSent map[string]time.Time
}

// NewAlerter constructs an Alerter from a bot token and destination
// chat ID. Returns an error if the token cannot be validated against
// the Telegram API.
func NewAlerter(botToken string, chatID int64, logger *slog.Logger) (*Alerter, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &Alerter{
		bot:      bot,
		chatID:   chatID,
		logger:   logger.With("component", "observability", "subcomponent", "alerter"),
		lastSent: make(map[string]time.Time),
	}, nil
}

// shouldSuppress reports whether an alert sharing dedupKey was sent
// within alertDedupWindow of now, recording now as the new send time
// when it is not suppressed. An empty dedupKey never suppresses.
func (a *Alerter) shouldSuppress(dedupKey string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if dedupKey == "" {
		return false
	}
	if last, ok := a.lastSent[dedupKey]; ok && now.Sub(last) < alertDedupWindow {
		return true
	}
	a.lastSent[dedupKey] = now
	return false
}

// SendAlert sends message with the given severity, deduplicated on
// dedupKey. An empty dedupKey disables deduplication for that call.
func (a *Alerter) SendAlert(ctx context.Context, severity AlertSeverity, message, dedupKey string, now time.Time) error {
	if a.shouldSuppress(dedupKey, now) {
		a.logger.Info("alert suppressed by dedup window", "dedup_key", dedupKey, "severity", severity)
		return nil
	}

	text := fmt.Sprintf("[%s] %s", severity, message)
	msg := tgbotapi.NewMessage(a.chatID, text)

	if _, err := a.bot.Request(msg); err != nil {
		a.logger.Error("failed to send telegram alert", "error", err, "severity", severity)
		return fmt.Errorf("send telegram alert: %w", err)
	}
	a.logger.Info("alert sent", "severity", severity, "dedup_key", dedupKey)
	return nil
}

// NoopAlerter discards every alert, logging it instead. Used when no
// bot token is configured — PolyEdge must still run (and log alerts)
// without Telegram wired up, matching the teacher's fail-open posture
// for non-critical ambient subsystems.
type NoopAlerter struct {
	logger *slog.Logger
}

// NewNoopAlerter constructs a NoopAlerter.
func NewNoopAlerter(logger *slog.Logger) *NoopAlerter {
	return &NoopAlerter{logger: logger.With("component", "observability", "subcomponent", "alerter")}
}

// SendAlert logs the alert instead of delivering it.
func (n *NoopAlerter) SendAlert(_ context.Context, severity AlertSeverity, message, dedupKey string, _ time.Time) error {
	n.logger.Warn("telegram alerting not configured, alert logged only", "severity", severity, "message", message, "dedup_key", dedupKey)
	return nil
}
