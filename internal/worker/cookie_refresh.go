package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
	"github.com/kestrelgw/aistudio-gateway/internal/runtime"
)

// CookieRefreshWorker periodically reads the current profile's document
// through the ProfileStore and writes that same document back to the
// profile's file (COOKIE_REFRESH_ENABLED /
// COOKIE_REFRESH_INTERVAL_SECONDS). It does not read the live page's
// cookie jar, so cookies the page has changed are not persisted.
// Grounded on worker/quota_sync.go's ticker-driven periodic-resync idiom.
type CookieRefreshWorker struct {
	page     gateway.PageController
	store    gateway.ProfileStore
	state    *runtime.State
	interval time.Duration
	onExit   bool // COOKIE_REFRESH_ON_SHUTDOWN
}

// NewCookieRefreshWorker returns a worker that saves cookies for the
// current profile every interval.
func NewCookieRefreshWorker(page gateway.PageController, store gateway.ProfileStore, state *runtime.State, interval time.Duration, refreshOnShutdown bool) *CookieRefreshWorker {
	return &CookieRefreshWorker{page: page, store: store, state: state, interval: interval, onExit: refreshOnShutdown}
}

// Name returns the worker identifier.
func (w *CookieRefreshWorker) Name() string { return "cookie_refresh" }

// Run persists cookies every interval until ctx is cancelled.
func (w *CookieRefreshWorker) Run(ctx context.Context) error {
	if w.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.refresh(ctx)
		case <-ctx.Done():
			if w.onExit {
				w.refresh(context.WithoutCancel(ctx))
			}
			return nil
		}
	}
}

func (w *CookieRefreshWorker) refresh(_ context.Context) {
	path := w.state.CurrentProfile()
	if path == "" || w.state.IsQuotaExceeded() {
		return
	}
	if !w.page.IsReady() {
		return
	}
	doc, err := w.store.ReadCookies(path)
	if err != nil {
		slog.Debug("cookie refresh: read failed", "path", path, "err", err)
		return
	}
	if err := w.store.WriteCookies(path, doc); err != nil {
		slog.Debug("cookie refresh: write failed", "path", path, "err", err)
	}
}
