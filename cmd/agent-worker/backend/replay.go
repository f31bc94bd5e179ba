package backend

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/forgeline/overseer/common/driver"
)

// Replay emits a pre-recorded transcript of protocol messages. It exists for
// development and integration tests: point it at a file of JSON lines and
// the worker behaves like a model that said exactly that.
type Replay struct {
	Path string
	Log  Logger
}

func (r *Replay) Name() string { return "replay" }

func (r *Replay) Run(ctx context.Context, req Request, emit Emit) error {
	f, err := os.Open(r.Path)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	r.Log.Info("replaying transcript", "path", r.Path, "mode", req.Mode)

	rd := driver.NewReader(f)
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("transcript line %d: %w", count+1, err)
		}
		if err := emit(m); err != nil {
			return err
		}
		count++
	}
	if count == 0 {
		return fmt.Errorf("transcript %s is empty", r.Path)
	}
	return nil
}
