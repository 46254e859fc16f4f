// Package fanout runs one debug command across many collectors at once, with
// independent per-collector outcomes under a single cancellation handle.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stevevillardi/lmda-composer-sub000/internal/creds"
	"github.com/stevevillardi/lmda-composer-sub000/internal/jobclient"
	"github.com/stevevillardi/lmda-composer-sub000/internal/lg"
	"github.com/stevevillardi/lmda-composer-sub000/internal/registry"
	"github.com/stevevillardi/lmda-composer-sub000/pkg/command"
	"github.com/stevevillardi/lmda-composer-sub000/pkg/workerpool"
)

// Request describes one debug command fanned out across collectors.
type Request struct {
	Portal       string
	CollectorIDs []int
	Cmd          string
	Named        map[string]string
	Positional   []string
	ExecutionID  string
}

// Result is one collector's outcome. A nil Err means Output is valid.
type Result struct {
	Output   string
	Err      error
	Duration time.Duration
}

type ProgressFunc func(collectorID, attempt, max int)
type CompleteFunc func(collectorID int, res Result)

// Coordinator owns the many-entry side of the execution registry. It is
// independent of the interactive slot.
type Coordinator struct {
	jobs     *jobclient.Client
	provider creds.Provider
	reg      *registry.Registry
	workers  int
}

func New(jobs *jobclient.Client, provider creds.Provider, reg *registry.Registry, workers int) *Coordinator {
	if reg == nil {
		reg = registry.New()
	}
	if workers <= 0 {
		workers = workerpool.DefaultMaxWorkers
	}
	return &Coordinator{jobs: jobs, provider: provider, reg: reg, workers: workers}
}

// Cancel aborts every in-flight collector of the given fan-out run.
func (c *Coordinator) Cancel(id string) bool { return c.reg.Cancel(id) }

// ExecuteDebugCommand acquires one credential, builds one command string, and
// runs it on every requested collector concurrently. One collector's failure
// never touches its siblings; callbacks fire per collector as soon as its
// outcome is known, before the aggregate map is returned.
func (c *Coordinator) ExecuteDebugCommand(ctx context.Context, req Request, onProgress ProgressFunc, onComplete CompleteFunc) map[int]Result {
	id := req.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	remove := c.reg.Add(id, cancel)
	defer remove()

	logger := lg.FromContext(ctx).With(lg.String("execution", id), lg.String("portal", req.Portal))

	var mu sync.Mutex
	results := make(map[int]Result, len(req.CollectorIDs))
	record := func(collectorID int, res Result) {
		mu.Lock()
		results[collectorID] = res
		mu.Unlock()
		if onComplete != nil {
			onComplete(collectorID, res)
		}
	}

	cred, err := creds.Acquire(ctx, c.provider, req.Portal)
	if err != nil {
		logger.Warn("fan-out aborted before any request", lg.Err(err))
		for _, cid := range req.CollectorIDs {
			record(cid, Result{Err: err})
		}
		return results
	}

	cmd := command.BuildDebugCommand(req.Cmd, req.Named, req.Positional)
	logger.Info("fanning out debug command", lg.Int("collectors", len(req.CollectorIDs)))

	pool := workerpool.New[int](c.workers)
	for _, cid := range req.CollectorIDs {
		pool.Submit(workerpool.Job[int]{
			Payload: cid,
			Ctx:     ctx,
			Fn: func(ctx context.Context, collectorID int) {
				started := time.Now()
				target := jobclient.Target{Portal: req.Portal, CollectorID: collectorID}
				var progress jobclient.ProgressFunc
				if onProgress != nil {
					progress = func(attempt, max int) { onProgress(collectorID, attempt, max) }
				}
				out, err := c.jobs.ExecuteAndPoll(ctx, target, cmd, cred, progress)
				record(collectorID, Result{Output: out, Err: err, Duration: time.Since(started)})
			},
		})
	}
	pool.Close()
	return results
}
