package simulator

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"golang.org/x/sync/errgroup"
)

// Supervise starts cmd with its stdout wired to the simulator and returns once
// both the process has exited and the simulator has consumed all output. A
// non-zero exit of the process is returned as an error.
func Supervise(ctx context.Context, cmd *exec.Cmd, sim *Simulator) error {
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("simulator: start %s: %w", cmd.Path, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := cmd.Wait()
		pw.Close()
		if err != nil {
			return fmt.Errorf("simulator: %s: %w", cmd.Path, err)
		}
		return nil
	})
	g.Go(func() error {
		// Unblock the reader on cancellation, and the process's writes once
		// the simulator stops reading.
		stop := context.AfterFunc(gctx, func() { pr.CloseWithError(gctx.Err()) })
		defer stop()
		defer pr.Close()
		return sim.Run(gctx, pr)
	})
	return g.Wait()
}
