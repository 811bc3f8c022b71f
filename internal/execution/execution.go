// Package execution implements order lifecycle management for both
// paper and live trading (spec §4.12–4.13): a pessimistic paper-fill
// simulator, and a thin live-order wrapper around the exchange REST
// client. Every submission is keyed by the decision's canonical hash,
// giving natural idempotency — resubmitting the same decision never
// double-places an order.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyedge/polyedge/internal/decisionengine"
	"github.com/polyedge/polyedge/internal/exchange"
	"github.com/polyedge/polyedge/internal/polyconst"
	"github.com/polyedge/polyedge/pkg/types"
)

// Status is an order's position in its OPEN → FILLED|CANCELLED
// lifecycle (spec §4.12), plus PENDING_UNKNOWN for WAL-orphan adoption.
type Status string

const (
	StatusOpen           Status = "OPEN"
	StatusFilled         Status = "FILLED"
	StatusCancelled      Status = "CANCELLED"
	StatusPendingUnknown Status = "PENDING_UNKNOWN"
)

// throughSustainDuration is how long the market must keep trading
// through a resting order's limit before it counts as filled.
const throughSustainDuration = 3 * time.Second

// Order is one resting or settled order, local to this process.
type Order struct {
	ID           string // decision id hex; doubles as the idempotency key
	MarketID     string
	Side         decisionengine.Side
	LimitPrice   decimal.Decimal
	SizeUSD      decimal.Decimal
	Status       Status
	CreatedAtUTC time.Time
	FeeRateBps   int

	FillPrice   decimal.Decimal
	FilledAtUTC time.Time
	FeesUSD     decimal.Decimal

	// throughSinceUTC tracks when the market first started trading
	// through this order's limit, for the 3-second sustain check.
	// Zero means not currently trading through.
	throughSinceUTC time.Time
}

// ErrUnknownOrder is returned by Cancel for an order ID this engine
// has no record of.
var ErrUnknownOrder = fmt.Errorf("unknown order")

// PaperEngine simulates pessimistic fills for paper trading. A
// resting order only fills once the market has traded through its
// limit by at least one tick and sustained that for
// throughSustainDuration; the fill price is always the order's own
// limit, never the more favorable through price (spec §4.12).
type PaperEngine struct {
	mu     sync.Mutex
	orders map[string]*Order
	logger *slog.Logger
}

// NewPaperEngine constructs a PaperEngine.
func NewPaperEngine(logger *slog.Logger) *PaperEngine {
	return &PaperEngine{
		orders: make(map[string]*Order),
		logger: logger.With("component", "execution", "mode", "paper"),
	}
}

// Submit registers a new resting order. feeRateBps is the market's real
// taker fee rate, carried so CheckFills can compute the paper-fee
// inflation against it rather than the platform floor alone.
// Resubmitting an existing order ID returns the existing order
// unchanged (idempotent).
func (p *PaperEngine) Submit(decisionIDHex, marketID string, side decisionengine.Side, limitPrice, sizeUSD decimal.Decimal, feeRateBps int, now time.Time) *Order {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.orders[decisionIDHex]; ok {
		return existing
	}

	order := &Order{
		ID:           decisionIDHex,
		MarketID:     marketID,
		Side:         side,
		LimitPrice:   limitPrice,
		SizeUSD:      sizeUSD,
		FeeRateBps:   feeRateBps,
		Status:       StatusOpen,
		CreatedAtUTC: now,
	}
	p.orders[decisionIDHex] = order
	p.logger.Info("paper order opened", "order_id", decisionIDHex, "market", marketID, "side", side, "limit", limitPrice.String())
	return order
}

// Cancel marks an OPEN order CANCELLED. Filled or already-cancelled
// orders are left untouched.
func (p *PaperEngine) Cancel(orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return ErrUnknownOrder
	}
	if order.Status != StatusOpen {
		return nil
	}
	order.Status = StatusCancelled
	return nil
}

// Get returns the current state of an order.
func (p *PaperEngine) Get(orderID string) (Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return Order{}, false
	}
	return *order, true
}

// CheckFills evaluates every OPEN order in marketID against the
// current best-ask quotes and fills those that have traded through
// their limit for long enough. Returns the orders that transitioned
// to FILLED this call.
func (p *PaperEngine) CheckFills(marketID string, bestAskYes, bestAskNo decimal.Decimal, now time.Time) []Order {
	p.mu.Lock()
	defer p.mu.Unlock()

	tick := decimal.NewFromFloat(0.01)
	var filled []Order

	for _, order := range p.orders {
		if order.MarketID != marketID || order.Status != StatusOpen {
			continue
		}

		ask := bestAskYes
		if order.Side == decisionengine.SideNo {
			ask = bestAskNo
		}

		throughBy := order.LimitPrice.Sub(ask)
		tradingThrough := throughBy.GreaterThanOrEqual(tick)

		if !tradingThrough {
			order.throughSinceUTC = time.Time{}
			continue
		}

		if order.throughSinceUTC.IsZero() {
			order.throughSinceUTC = now
			continue
		}

		if now.Sub(order.throughSinceUTC) < throughSustainDuration {
			continue
		}

		order.Status = StatusFilled
		order.FillPrice = order.LimitPrice
		order.FilledAtUTC = now
		order.FeesUSD = paperFeeUSD(order.SizeUSD, order.FeeRateBps)
		filled = append(filled, *order)

		p.logger.Info("paper order filled",
			"order_id", order.ID, "market", marketID, "fill_price", order.FillPrice.String(), "fees_usd", order.FeesUSD.String())
	}

	return filled
}

// paperFeeUSD applies the paper-fee inflation of spec §4.12:
// max(min_fee_bps, actual) × 2, matching decisionengine.ComputeFeeCost's
// paper branch exactly so simulated fills never look cheaper than a
// live fill at the same market's real fee rate would.
func paperFeeUSD(sizeUSD decimal.Decimal, feeRateBps int) decimal.Decimal {
	effectiveBps := math.Max(float64(feeRateBps), polyconst.PaperMinFeeBps)
	feeRate := decimal.NewFromFloat(effectiveBps).Div(decimal.NewFromInt(10000))
	multiplier := decimal.NewFromFloat(polyconst.PaperFeeMultiplier)
	return sizeUSD.Mul(feeRate).Mul(multiplier)
}

// LiveEngine places and cancels real orders through the exchange REST
// client. It tracks the same Order bookkeeping as PaperEngine so
// callers (engine, reconcile) can treat both uniformly.
type LiveEngine struct {
	mu     sync.Mutex
	client *exchange.Client
	orders map[string]*Order
	logger *slog.Logger
}

// NewLiveEngine constructs a LiveEngine around an exchange REST client.
func NewLiveEngine(client *exchange.Client, logger *slog.Logger) *LiveEngine {
	return &LiveEngine{
		client: client,
		orders: make(map[string]*Order),
		logger: logger.With("component", "execution", "mode", "live"),
	}
}

// Submit places a real GTC order. If decisionIDHex was already
// submitted, the existing order is returned without a new API call.
func (l *LiveEngine) Submit(ctx context.Context, decisionIDHex, marketID, tokenID string, side decisionengine.Side, limitPrice, sizeTokens decimal.Decimal, tickSize types.TickSize, feeRateBps int) (*Order, error) {
	l.mu.Lock()
	if existing, ok := l.orders[decisionIDHex]; ok {
		l.mu.Unlock()
		return existing, nil
	}
	l.mu.Unlock()

	clobSide := types.BUY
	price, _ := limitPrice.Float64()
	size, _ := sizeTokens.Float64()

	order := types.UserOrder{
		TokenID:    tokenID,
		Price:      price,
		Size:       size,
		Side:       clobSide,
		OrderType:  types.OrderTypeGTC,
		TickSize:   tickSize,
		FeeRateBps: feeRateBps,
	}

	results, err := l.client.PostOrders(ctx, []types.UserOrder{order}, false)
	if err != nil {
		return nil, fmt.Errorf("submit live order: %w", err)
	}
	if len(results) == 0 || !results[0].Success {
		errMsg := "no result"
		if len(results) > 0 {
			errMsg = results[0].ErrorMsg
		}
		return nil, fmt.Errorf("order rejected: %s", errMsg)
	}

	local := &Order{
		ID:           decisionIDHex,
		MarketID:     marketID,
		Side:         side,
		LimitPrice:   limitPrice,
		SizeUSD:      limitPrice.Mul(sizeTokens),
		Status:       StatusOpen,
		CreatedAtUTC: time.Now().UTC(),
	}

	l.mu.Lock()
	l.orders[decisionIDHex] = local
	l.mu.Unlock()

	l.logger.Info("live order submitted", "order_id", decisionIDHex, "exchange_order_id", results[0].OrderID, "market", marketID)
	return local, nil
}

// Cancel cancels a live order by its exchange order ID.
func (l *LiveEngine) Cancel(ctx context.Context, decisionIDHex, exchangeOrderID string) error {
	result, err := l.client.CancelOrders(ctx, []string{exchangeOrderID})
	if err != nil {
		return fmt.Errorf("cancel live order: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if order, ok := l.orders[decisionIDHex]; ok && order.Status == StatusOpen {
		cancelled := false
		for _, id := range result.Canceled {
			if id == exchangeOrderID {
				cancelled = true
			}
		}
		if cancelled {
			order.Status = StatusCancelled
		}
	}
	return nil
}

// Get returns the local bookkeeping for a live order.
func (l *LiveEngine) Get(decisionIDHex string) (Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	order, ok := l.orders[decisionIDHex]
	if !ok {
		return Order{}, false
	}
	return *order, true
}

// AdoptOrphan registers a WAL-recovered order whose result is
// unknown, per spec §4.14's replay adoption: it surfaces as
// PENDING_UNKNOWN until the next reconciliation resolves it.
func (l *LiveEngine) AdoptOrphan(decisionIDHex, marketID string, side decisionengine.Side, limitPrice, sizeUSD decimal.Decimal, createdAtUTC time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.orders[decisionIDHex]; ok {
		return
	}
	l.orders[decisionIDHex] = &Order{
		ID:           decisionIDHex,
		MarketID:     marketID,
		Side:         side,
		LimitPrice:   limitPrice,
		SizeUSD:      sizeUSD,
		Status:       StatusPendingUnknown,
		CreatedAtUTC: createdAtUTC,
	}
}

// PendingUnknown returns every order still awaiting reconciliation.
func (l *LiveEngine) PendingUnknown() []Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Order
	for _, o := range l.orders {
		if o.Status == StatusPendingUnknown {
			out = append(out, *o)
		}
	}
	return out
}

// ResolvePendingUnknown transitions a PENDING_UNKNOWN order to its
// reconciliation-determined final status.
func (l *LiveEngine) ResolvePendingUnknown(decisionIDHex string, status Status, fillPrice decimal.Decimal, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	order, ok := l.orders[decisionIDHex]
	if !ok {
		return ErrUnknownOrder
	}
	order.Status = status
	if status == StatusFilled {
		order.FillPrice = fillPrice
		order.FilledAtUTC = now
	}
	return nil
}
