package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/roomkit/roomkit/realtime"
)

// History queries the stream with XREVRANGE/XRANGE, one page per call.
// Serial bounds are inclusive; continuation pages exclude the last returned
// entry.
func (c *Channel) History(ctx context.Context, q realtime.HistoryQuery) (*realtime.PaginatedResult[realtime.Message], error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	upper := c.upperBound(q)

	if q.Order == realtime.OrderOldestFirst {
		return c.pageForward(ctx, q, "-", upper)
	}
	return c.pageBackward(ctx, q, upper)
}

// upperBound combines the serial bound and the end-time bound into a single
// stream ID upper bound.
func (c *Channel) upperBound(q realtime.HistoryQuery) string {
	fromBound := "+"
	if !q.FromSerial.IsZero() {
		fromBound = string(q.FromSerial)
	}
	if q.End.IsZero() {
		return fromBound
	}
	// An incomplete "ms" ID used as a range end means the maximum sequence
	// within that millisecond.
	endBound := strconv.FormatInt(q.End.UnixMilli(), 10)
	if fromBound == "+" {
		return endBound
	}
	if ms, _, err := splitStreamID(fromBound); err == nil && q.End.UnixMilli() < ms {
		return endBound
	}
	return fromBound
}

func (c *Channel) pageBackward(ctx context.Context, q realtime.HistoryQuery, max string) (*realtime.PaginatedResult[realtime.Message], error) {
	entries, err := c.rt.client.XRevRangeN(ctx, c.key, max, "-", int64(q.Limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("history query on stream %s: %w", c.key, err)
	}

	items := make([]realtime.Message, len(entries))
	for i, e := range entries {
		items[i] = decodeEntry(e)
	}

	first := func(ctx context.Context) (*realtime.PaginatedResult[realtime.Message], error) {
		return c.pageBackward(ctx, q, c.upperBound(q))
	}
	current := func(ctx context.Context) (*realtime.PaginatedResult[realtime.Message], error) {
		return c.pageBackward(ctx, q, max)
	}
	var next realtime.PageFunc[realtime.Message]
	if len(entries) == q.Limit {
		lastID := entries[len(entries)-1].ID
		next = func(ctx context.Context) (*realtime.PaginatedResult[realtime.Message], error) {
			return c.pageBackward(ctx, q, "("+lastID)
		}
	}
	return realtime.NewPaginatedResult(items, first, current, next), nil
}

func (c *Channel) pageForward(ctx context.Context, q realtime.HistoryQuery, min, max string) (*realtime.PaginatedResult[realtime.Message], error) {
	entries, err := c.rt.client.XRangeN(ctx, c.key, min, max, int64(q.Limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("history query on stream %s: %w", c.key, err)
	}

	items := make([]realtime.Message, len(entries))
	for i, e := range entries {
		items[i] = decodeEntry(e)
	}

	first := func(ctx context.Context) (*realtime.PaginatedResult[realtime.Message], error) {
		return c.pageForward(ctx, q, "-", max)
	}
	current := func(ctx context.Context) (*realtime.PaginatedResult[realtime.Message], error) {
		return c.pageForward(ctx, q, min, max)
	}
	var next realtime.PageFunc[realtime.Message]
	if len(entries) == q.Limit {
		lastID := entries[len(entries)-1].ID
		next = func(ctx context.Context) (*realtime.PaginatedResult[realtime.Message], error) {
			return c.pageForward(ctx, q, "("+lastID, max)
		}
	}
	return realtime.NewPaginatedResult(items, first, current, next), nil
}
