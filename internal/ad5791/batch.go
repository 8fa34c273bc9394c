package ad5791

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var errBatchState = errors.New("ad5791: batch used out of order")

// Batch is one open message on a Port. The sequence is Begin, Stage every
// slot, Commit once, Fetch any responses, End. End must run on every path.
type Batch struct {
	port      Port
	size      int
	staged    int
	committed bool
	open      bool
}

// Begin opens a message of n words. If the port fails to create it the
// message slot is still released before returning.
func Begin(ctx context.Context, port Port, n int) (*Batch, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: batch of %d words", ErrRange, n)
	}
	if err := port.CreateMessage(ctx, n); err != nil {
		cleanup := port.DeleteMessage(context.WithoutCancel(ctx))
		return nil, multierr.Append(err, cleanup)
	}
	return &Batch{port: port, size: n, open: true}, nil
}

// Size returns the number of words in the batch.
func (b *Batch) Size() int { return b.size }

// Stage queues the next word.
func (b *Batch) Stage(ctx context.Context, w Word) error {
	if !b.open || b.committed || b.staged >= b.size {
		return fmt.Errorf("%w: stage %d of %d", errBatchState, b.staged, b.size)
	}
	if err := b.port.StageWord(ctx, b.staged, w); err != nil {
		return err
	}
	b.staged++
	return nil
}

// StageCode packs and queues the next code.
func (b *Batch) StageCode(ctx context.Context, c Code) error {
	w, err := Pack(c)
	if err != nil {
		return err
	}
	return b.Stage(ctx, w)
}

// Commit transfers every staged word. It may be called once, after all slots
// are staged. A failed commit still counts: the words may have gone out.
func (b *Batch) Commit(ctx context.Context) error {
	if !b.open || b.committed || b.staged != b.size {
		return fmt.Errorf("%w: commit with %d of %d staged", errBatchState, b.staged, b.size)
	}
	b.committed = true
	return b.port.Pass(ctx)
}

// Fetch returns the frame clocked in while word i was sent.
func (b *Batch) Fetch(ctx context.Context, i int) (Code, error) {
	if !b.open || !b.committed {
		return 0, fmt.Errorf("%w: fetch before commit", errBatchState)
	}
	if i < 0 || i >= b.size {
		return 0, fmt.Errorf("%w: fetch word %d of %d", ErrRange, i, b.size)
	}
	w, err := b.port.Received(ctx, i)
	if err != nil {
		return 0, err
	}
	return Unpack(w), nil
}

// End deletes the message. It is safe to call more than once.
func (b *Batch) End(ctx context.Context) error {
	if !b.open {
		return nil
	}
	b.open = false
	return b.port.DeleteMessage(ctx)
}

// Transact sends words as one batch and returns the frames received during
// the words listed in fetch, in that order. Every code is packed before the
// message is opened, and the message is deleted on every path, even after ctx
// is cancelled. Ports with an ErrorQueue are checked once the message is
// gone, so a batch the bridge silently rejected still fails.
func Transact(ctx context.Context, port Port, words []Code, fetch ...int) (rx []Code, err error) {
	packed := make([]Word, len(words))
	for i, c := range words {
		if packed[i], err = Pack(c); err != nil {
			return nil, err
		}
	}
	for _, i := range fetch {
		if i < 0 || i >= len(words) {
			return nil, fmt.Errorf("%w: fetch word %d of %d", ErrRange, i, len(words))
		}
	}

	b, err := Begin(ctx, port, len(words))
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, b.End(context.WithoutCancel(ctx)))
		// A dead link has nothing queued worth reading. Otherwise drain the
		// queue so entries from this batch never blame the next one.
		if err == nil || !errors.Is(err, ErrTransport) {
			qerr := checkErrors(context.WithoutCancel(ctx), port)
			if err == nil {
				err = qerr
			}
		}
		if err != nil {
			rx = nil
		}
	}()

	for _, w := range packed {
		if err := b.Stage(ctx, w); err != nil {
			return nil, err
		}
	}
	if err := b.Commit(ctx); err != nil {
		return nil, err
	}
	rx = make([]Code, 0, len(fetch))
	for _, i := range fetch {
		c, err := b.Fetch(ctx, i)
		if err != nil {
			return nil, err
		}
		rx = append(rx, c)
	}
	return rx, nil
}
