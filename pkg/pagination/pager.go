package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ErrTooManyPages is returned when a list exceeds Config.MaxPages.
var ErrTooManyPages = errors.New("too many pages")

// Config holds pager configuration.
type Config struct {
	// PageSize is the number of items requested per page (0 disables paging)
	PageSize int64

	// MaxPages stops a runaway walk (0 = unlimited)
	MaxPages int
}

// DefaultConfig returns the page size kubectl uses.
func DefaultConfig() Config {
	return Config{
		PageSize: 500,
		MaxPages: 200,
	}
}

// PageFunc lists one page and returns its items and the continue token.
type PageFunc[T any] func(ctx context.Context, opts metav1.ListOptions) ([]T, string, error)

// ListAll requests every page of a list. opts carries the selectors; its
// Limit and Continue fields are managed by the walk.
func ListAll[T any](ctx context.Context, cfg Config, opts metav1.ListOptions, page PageFunc[T]) ([]T, error) {
	start := time.Now()
	opts.Limit = cfg.PageSize
	opts.Continue = ""

	var (
		items []T
		pages int
	)
	for {
		chunk, next, err := page(ctx, opts)
		if err != nil {
			if opts.Continue != "" && apierrors.IsResourceExpired(err) {
				log.Warn().
					Int("pages", pages).
					Msg("Continue token expired, relisting without paging")
				opts.Limit = 0
				opts.Continue = ""
				chunk, _, err = page(ctx, opts)
				if err != nil {
					return nil, err
				}
				return chunk, nil
			}
			return nil, err
		}
		pages++
		items = append(items, chunk...)

		if next == "" {
			break
		}
		if cfg.MaxPages > 0 && pages >= cfg.MaxPages {
			return nil, fmt.Errorf("%w: stopped after %d pages (%d items)", ErrTooManyPages, pages, len(items))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		opts.Continue = next
	}

	if pages > 1 {
		log.Debug().
			Int("pages", pages).
			Int("items", len(items)).
			Dur("duration", time.Since(start)).
			Msg("Paged list complete")
	}
	return items, nil
}
