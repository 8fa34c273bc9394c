package ad5791

import (
	"context"
	"log/slog"
)

// tracePort logs every word that crosses the port at debug level.
type tracePort struct {
	Port
	log *slog.Logger
}

func (p tracePort) StageWord(ctx context.Context, i int, w Word) error {
	p.log.DebugContext(ctx, "ad5791: tx", "slot", i, "word", Describe(Unpack(w)))
	return p.Port.StageWord(ctx, i, w)
}

func (p tracePort) Received(ctx context.Context, i int) (Word, error) {
	w, err := p.Port.Received(ctx, i)
	if err == nil {
		p.log.DebugContext(ctx, "ad5791: rx", "slot", i, "word", Describe(Unpack(w)))
	}
	return w, err
}

func (p tracePort) CheckErrors(ctx context.Context) error {
	err := checkErrors(ctx, p.Port)
	if err != nil {
		p.log.DebugContext(ctx, "ad5791: bridge error queue", "err", err)
	}
	return err
}
