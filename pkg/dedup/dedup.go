// Package dedup collapses concurrent identical fetches into a single
// in-flight call whose result is shared by every waiter.
package dedup

import (
	"context"
	"log/slog"

	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/log"
	"golang.org/x/sync/singleflight"
)

// Group deduplicates calls by key. The zero value is ready to use.
type Group struct {
	sf singleflight.Group
}

// Do runs fn once per key no matter how many goroutines call Do concurrently
// with that key; every caller gets the same result. The underlying fn runs
// with a context detached from any single caller, so cancelling one waiter
// only abandons that waiter. Shared is true when the result came from a call
// started by another waiter.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (v any, shared bool, err error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := g.sf.DoChan(key, func() (any, error) {
		return fn(fetchCtx)
	})
	select {
	case <-ctx.Done():
		log.Ctx(ctx).DebugContext(ctx, "abandoning deduplicated call", slog.String("key", key))
		return nil, false, ctx.Err()
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	}
}

// Forget drops any in-flight call for key so the next Do starts fresh.
func (g *Group) Forget(key string) {
	g.sf.Forget(key)
}
