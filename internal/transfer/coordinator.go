// Package transfer runs batches of independent remote operations concurrently.
package transfer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Task is one independent unit of work, typically a single remote write or delete.
type Task func(ctx context.Context) error

// Coordinator launches a batch of tasks and waits for every one of them to settle.
//
// A failing task does not cancel its siblings: the batch always waits for all
// launched tasks before reporting the first error. This keeps each remote call
// either completed or failed by the time Run returns.
type Coordinator struct {
	concurrency int
}

// New returns a Coordinator running at most concurrency tasks at a time.
// A concurrency of zero or less places no limit on the batch.
func New(concurrency int) *Coordinator {
	return &Coordinator{concurrency: concurrency}
}

// Concurrency returns the configured limit, zero or less meaning unbounded.
func (c *Coordinator) Concurrency() int {
	return c.concurrency
}

// Run executes all tasks and returns the number scheduled once every task has
// finished successfully. On failure it returns zero and the first error observed,
// after the remaining tasks have settled.
func (c *Coordinator) Run(ctx context.Context, tasks []Task) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}

	start := time.Now()

	g := new(errgroup.Group)
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}

	for _, task := range tasks {
		g.Go(func() error {
			return task(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Debug().Err(err).Int("tasks", len(tasks)).Dur("duration", time.Since(start)).Msg("batch failed")
		return 0, err
	}

	log.Debug().Int("tasks", len(tasks)).Dur("duration", time.Since(start)).Msg("batch completed")

	return len(tasks), nil
}
