package pipeline

import (
	"context"
	"io"
)

type batchCursor[T any] struct {
	src     Cursor[[]T]
	size    int
	pending []T
	done    bool
}

// Batch groups consecutive items into slices of at most size items. The
// final slice may be shorter. Only the current partial batch is buffered.
func Batch[T any](src Cursor[T], size int) Cursor[[]T] {
	single := CursorFunc[[]T](func(ctx context.Context) ([]T, error) {
		item, err := src.Next(ctx)
		if err != nil {
			return nil, err
		}
		return []T{item}, nil
	})
	return &batchCursor[T]{src: closeWith(single, src), size: size}
}

// FlattenToBatches repacks a stream of variable-length groups (a record's
// fan-out) into slices of at most size items, across group boundaries.
// Empty groups vanish. Only the current partial batch is buffered.
func FlattenToBatches[T any](src Cursor[[]T], size int) Cursor[[]T] {
	return &batchCursor[T]{src: src, size: size}
}

func (c *batchCursor[T]) Next(ctx context.Context) ([]T, error) {
	for !c.done && len(c.pending) < c.size {
		group, err := c.src.Next(ctx)
		if err == io.EOF {
			c.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		c.pending = append(c.pending, group...)
	}

	if len(c.pending) == 0 {
		return nil, io.EOF
	}

	n := min(c.size, len(c.pending))
	out := make([]T, n)
	copy(out, c.pending[:n])

	// keep the remainder without holding on to the old backing array
	rest := c.pending[n:]
	c.pending = append(make([]T, 0, max(c.size, len(rest))), rest...)

	return out, nil
}

func (c *batchCursor[T]) Close() error {
	return c.src.Close()
}

type closer[R any] struct {
	Cursor[R]
	close func() error
}

func (c closer[R]) Close() error {
	return c.close()
}

// closeWith returns c with its Close delegated to under
func closeWith[R, U any](c Cursor[R], under Cursor[U]) Cursor[R] {
	return closer[R]{Cursor: c, close: under.Close}
}
