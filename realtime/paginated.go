package realtime

import "context"

// PageFunc produces a further page of a paginated result.
type PageFunc[T any] func(ctx context.Context) (*PaginatedResult[T], error)

// PaginatedResult is one page of a paginated query plus continuation
// accessors. A nil continuation means the corresponding page does not exist.
type PaginatedResult[T any] struct {
	items   []T
	first   PageFunc[T]
	current PageFunc[T]
	next    PageFunc[T]
}

// NewPaginatedResult builds a page from its items and continuation functions.
// Implementations pass nil for next on the final page.
func NewPaginatedResult[T any](items []T, first, current, next PageFunc[T]) *PaginatedResult[T] {
	return &PaginatedResult[T]{items: items, first: first, current: current, next: next}
}

// Items returns the items on this page.
func (p *PaginatedResult[T]) Items() []T { return p.items }

// HasNext reports whether a further page exists.
func (p *PaginatedResult[T]) HasNext() bool { return p.next != nil }

// IsLast reports whether this is the final page.
func (p *PaginatedResult[T]) IsLast() bool { return !p.HasNext() }

// Next fetches the following page, or returns nil when this is the last one.
func (p *PaginatedResult[T]) Next(ctx context.Context) (*PaginatedResult[T], error) {
	if p.next == nil {
		return nil, nil
	}
	return p.next(ctx)
}

// First re-issues the query for the first page.
func (p *PaginatedResult[T]) First(ctx context.Context) (*PaginatedResult[T], error) {
	if p.first == nil {
		return p, nil
	}
	return p.first(ctx)
}

// Current re-issues the query for this page.
func (p *PaginatedResult[T]) Current(ctx context.Context) (*PaginatedResult[T], error) {
	if p.current == nil {
		return p, nil
	}
	return p.current(ctx)
}

// MapPage converts a page of T into a page of U, preserving the continuation
// chain.
func MapPage[T, U any](p *PaginatedResult[T], fn func(T) U) *PaginatedResult[U] {
	if p == nil {
		return nil
	}
	items := make([]U, len(p.items))
	for i, it := range p.items {
		items[i] = fn(it)
	}
	wrap := func(pf PageFunc[T]) PageFunc[U] {
		if pf == nil {
			return nil
		}
		return func(ctx context.Context) (*PaginatedResult[U], error) {
			page, err := pf(ctx)
			if err != nil {
				return nil, err
			}
			return MapPage(page, fn), nil
		}
	}
	return &PaginatedResult[U]{
		items:   items,
		first:   wrap(p.first),
		current: wrap(p.current),
		next:    wrap(p.next),
	}
}
