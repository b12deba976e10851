package tracer

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// ListThreads enumerates the current threads of pid, for the engine's
// startup scan (the FORK-equivalent catch-up for threads that existed
// before tracing began, §4.2 Startup).
func ListThreads(ctx context.Context, pid int32) ([]int32, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}

	threads, err := proc.ThreadsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list threads of %d: %w", pid, err)
	}

	tids := make([]int32, 0, len(threads))
	for tid := range threads {
		tids = append(tids, tid)
	}
	return tids, nil
}
