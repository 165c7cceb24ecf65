// Package feed iterates server-side paginated listings.
//
// A listing is exposed as a FetchFunc which returns one Page per call along with
// the opaque continuation token for the next call. The helpers in this package
// drive that loop until the server stops returning a token:
//
//	for item, err := range feed.All(ctx, collection.ListItems) {
//	    if err != nil {
//	        return err
//	    }
//	    // use item
//	}
//
// Each range over a sequence returned by All or Pages starts again from the
// first page, so sequences can be reused. Token state is local to a single
// iteration which keeps nested listings (items, then attachments per item)
// independent of each other.
package feed

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// ErrMaxPages is returned when a listing reports more pages after the limit
// configured with WithMaxPages has been reached.
var ErrMaxPages = errors.New("maximum page count reached")

// Token is an opaque, service issued resume marker. The empty token denotes
// both "start from the beginning" and "no more pages".
type Token string

// Page is one page of a listing.
type Page[T any] struct {
	Items []T
	// Next is the token used to request the following page, empty on the last page.
	Next Token
}

// More reports whether the server has another page after this one.
func (p Page[T]) More() bool {
	return p.Next != ""
}

// FetchFunc requests the page identified by token.
type FetchFunc[T any] func(ctx context.Context, token Token) (Page[T], error)

type options struct {
	maxPages int
}

// Option configures pagination.
type Option func(*options)

// WithMaxPages caps the number of pages fetched. Zero or less means unlimited,
// which is the default.
func WithMaxPages(n int) Option {
	return func(o *options) {
		o.maxPages = n
	}
}

// Pages returns a sequence over every page of the listing in server order.
//
// Iteration stops after the first page without a continuation token, on the
// first fetch error (yielded once with a zero Page), or when the consumer
// stops ranging.
func Pages[T any](ctx context.Context, fetch FetchFunc[T], opts ...Option) iter.Seq2[Page[T], error] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	return func(yield func(Page[T], error) bool) {
		var token Token

		for n := 0; ; n++ {
			if o.maxPages > 0 && n >= o.maxPages {
				yield(Page[T]{}, fmt.Errorf("%w: %d", ErrMaxPages, o.maxPages))
				return
			}

			if err := ctx.Err(); err != nil {
				yield(Page[T]{}, err)
				return
			}

			page, err := fetch(ctx, token)
			if err != nil {
				yield(Page[T]{}, fmt.Errorf("failed to fetch page %d: %w", n+1, err))
				return
			}

			if !yield(page, nil) {
				return
			}

			if !page.More() {
				return
			}

			token = page.Next
		}
	}
}

// All returns a sequence over every item of the listing, flattening Pages.
func All[T any](ctx context.Context, fetch FetchFunc[T], opts ...Option) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for page, err := range Pages(ctx, fetch, opts...) {
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}

			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

// Collect drains the listing into a slice.
func Collect[T any](ctx context.Context, fetch FetchFunc[T], opts ...Option) ([]T, error) {
	var items []T

	for item, err := range All(ctx, fetch, opts...) {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, nil
}
