package pipeline

import (
	"context"
	"io"

	"github.com/livinlefevreloca/refimport/internal/inbox"
)

// Cursor is an ordered, possibly unbounded sequence of upstream records.
// Next returns io.EOF once the sequence is exhausted.
type Cursor[R any] interface {
	Next(ctx context.Context) (R, error)
	Close() error
}

// CursorFunc adapts a function to a Cursor with nothing to close
type CursorFunc[R any] func(ctx context.Context) (R, error)

func (f CursorFunc[R]) Next(ctx context.Context) (R, error) {
	return f(ctx)
}

func (f CursorFunc[R]) Close() error {
	return nil
}

type sliceCursor[R any] struct {
	items []R
	pos   int
}

// FromSlice returns a cursor over an in-memory slice
func FromSlice[R any](items []R) Cursor[R] {
	return &sliceCursor[R]{items: items}
}

func (c *sliceCursor[R]) Next(ctx context.Context) (R, error) {
	var zero R
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if c.pos >= len(c.items) {
		return zero, io.EOF
	}
	item := c.items[c.pos]
	c.pos++
	return item, nil
}

func (c *sliceCursor[R]) Close() error {
	return nil
}

// Drain reads a cursor to the end. Meant for tests and small lookups.
func Drain[R any](ctx context.Context, c Cursor[R]) ([]R, error) {
	var out []R
	for {
		item, err := c.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
}

type inboxCursor[R any] struct {
	ib *inbox.Inbox[R]
}

// fromInbox reads an inbox as a cursor, ending when the inbox is closed
func fromInbox[R any](ib *inbox.Inbox[R]) Cursor[R] {
	return inboxCursor[R]{ib: ib}
}

func (c inboxCursor[R]) Next(ctx context.Context) (R, error) {
	item, ok, err := c.ib.Receive(ctx)
	if err != nil {
		return item, err
	}
	if !ok {
		return item, io.EOF
	}
	return item, nil
}

func (c inboxCursor[R]) Close() error {
	return nil
}
