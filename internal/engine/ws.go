package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polyedge/polyedge/internal/exchange"
	"github.com/polyedge/polyedge/internal/snapshot"
)

// wsTracker wraps the market WS feed, following the teacher's
// mktFeed/usrFeed split (internal/engine/engine.go's predecessor), but
// reduced to what PolyEdge's REST-rebuilt-snapshot model needs: a
// connectivity/freshness signal for snapshot.WSState rather than a
// locally-mirrored order book.
type wsTracker struct {
	feed   *exchange.WSFeed
	logger *slog.Logger

	connected   int32 // atomic bool
	lastMsgMs   int64 // atomic unix ms
	epoch       int64 // atomic, bumped on every reconnect

	subscribedMu sync.Mutex
	subscribed   map[string]bool
}

func newWSTracker(wsURL string, logger *slog.Logger) *wsTracker {
	return &wsTracker{
		feed:       exchange.NewMarketFeed(wsURL, logger),
		logger:     logger.With("component", "engine.ws"),
		subscribed: make(map[string]bool),
	}
}

func (w *wsTracker) currentEpoch() int64      { return atomic.LoadInt64(&w.epoch) }
func (w *wsTracker) lastMessageUnixMs() int64 { return atomic.LoadInt64(&w.lastMsgMs) }
func (w *wsTracker) isConnected() bool        { return atomic.LoadInt32(&w.connected) == 1 }

func (w *wsTracker) state() snapshot.WSState {
	return snapshot.WSState{
		Connected:         w.isConnected(),
		LastMessageUnixMs: w.lastMessageUnixMs(),
		CurrentEpoch:      w.currentEpoch(),
	}
}

// ensureSubscribed subscribes to any token IDs not already tracked,
// called once per fast-loop tick against the current watchlist.
func (w *wsTracker) ensureSubscribed(ctx context.Context, tokenIDs []string) {
	w.subscribedMu.Lock()
	var fresh []string
	for _, id := range tokenIDs {
		if !w.subscribed[id] {
			w.subscribed[id] = true
			fresh = append(fresh, id)
		}
	}
	w.subscribedMu.Unlock()

	if len(fresh) == 0 {
		return
	}
	if err := w.feed.Subscribe(ctx, fresh); err != nil {
		w.logger.Warn("ws subscribe failed", "error", err, "count", len(fresh))
	}
}

// run drives the feed's connection loop and drains its event channels
// purely for freshness tracking; it restarts the Run loop after a
// backoff on disconnect, mirroring the teacher's reconnect idiom.
func (w *wsTracker) run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		atomic.StoreInt32(&w.connected, 1)
		atomic.AddInt64(&w.epoch, 1)
		done := make(chan struct{})
		go w.drain(ctx, done)

		err := w.feed.Run(ctx)
		atomic.StoreInt32(&w.connected, 0)
		close(done)

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Warn("market ws feed disconnected, reconnecting", "error", err, "backoff", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (w *wsTracker) drain(ctx context.Context, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-w.feed.BookEvents():
			atomic.StoreInt64(&w.lastMsgMs, time.Now().UnixMilli())
		case <-w.feed.PriceChangeEvents():
			atomic.StoreInt64(&w.lastMsgMs, time.Now().UnixMilli())
		}
	}
}
