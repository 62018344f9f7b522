package store

import (
	"context"
	"fmt"
)

// Cursor is a resumable reader over the log: the records committed when it
// is read, followed by the live tail. A Cursor is not safe for concurrent use.
type Cursor struct {
	store *Store
	pos   uint64
	buf   []Record
}

// Position is the sequence number of the last record returned.
func (c *Cursor) Position() uint64 {
	return c.pos
}

// TryNext returns the next record if one is committed, without waiting.
func (c *Cursor) TryNext(ctx context.Context) (Record, bool, error) {
	if len(c.buf) == 0 {
		if c.store.Head() <= c.pos {
			return Record{}, false, nil
		}
		recs, err := c.store.backend.ReadRange(ctx, c.pos, c.store.config.ReadBatch)
		if err != nil {
			return Record{}, false, fmt.Errorf("failed to read log after %d: %w", c.pos, err)
		}
		if len(recs) == 0 {
			return Record{}, false, nil
		}
		c.buf = recs
	}

	rec := c.buf[0]
	c.buf = c.buf[1:]
	if rec.Sequence <= c.pos {
		return Record{}, false, fmt.Errorf("log out of order: %d after %d", rec.Sequence, c.pos)
	}
	c.pos = rec.Sequence
	return rec, true, nil
}

// Next returns the next record, waiting for an append when the cursor has
// caught up with the head.
func (c *Cursor) Next(ctx context.Context) (Record, error) {
	for {
		rec, ok, err := c.TryNext(ctx)
		if err != nil || ok {
			return rec, err
		}

		wait := c.store.tailSignal()
		if c.store.Head() > c.pos {
			continue
		}
		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-wait:
		}
	}
}
