package logstore

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
)

// Source is a running process whose output streams can be pumped.
type Source interface {
	Stdout() io.Reader
	Stderr() io.Reader
}

const pumpChunk = 32 * 1024

// Pump copies the source's stdout and stderr into the store until both
// streams end, then marks the store finished. The store is finished even
// when a read fails or ctx is cancelled.
func (s *Store) Pump(ctx context.Context, src Source) error {
	defer s.Finish()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return copyChunks(ctx, src.Stdout(), s.PushStdout) })
	g.Go(func() error { return copyChunks(ctx, src.Stderr(), s.PushStderr) })
	return g.Wait()
}

func copyChunks(ctx context.Context, r io.Reader, push func(string)) error {
	if r == nil {
		return nil
	}
	buf := make([]byte, pumpChunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			push(string(buf[:n]))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
