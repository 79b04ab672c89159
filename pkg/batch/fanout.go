package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ItemFetcher resolves a single item.
type ItemFetcher func(ctx context.Context, itemKey string) (any, error)

// FanOut adapts a per-item fetch into an Executor that resolves the items
// with at most maxConcurrency parallel calls. The first failure cancels the
// remaining calls and fails the whole window.
func FanOut(fetch ItemFetcher, maxConcurrency int) Executor {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}

	return func(ctx context.Context, itemKeys []string) (map[string]any, error) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxConcurrency)

		var mu sync.Mutex
		results := make(map[string]any, len(itemKeys))

		for _, key := range itemKeys {
			g.Go(func() error {
				v, err := fetch(gctx, key)
				if err != nil {
					log.Warn().
						Err(err).
						Str("item_key", key).
						Msg("Batch item fetch failed")
					return fmt.Errorf("fetch %s: %w", key, err)
				}

				mu.Lock()
				results[key] = v
				mu.Unlock()
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return nil, err
		}
		return results, nil
	}
}
