// Package orchestrator runs interactive script executions end to end:
// admission control, credential acquisition, command building with token
// substitution, the execute+poll round trip with one auth retry, and warning
// composition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/stevevillardi/lmda-composer-sub000/internal/creds"
	"github.com/stevevillardi/lmda-composer-sub000/internal/jobclient"
	"github.com/stevevillardi/lmda-composer-sub000/internal/lg"
	"github.com/stevevillardi/lmda-composer-sub000/internal/props"
	"github.com/stevevillardi/lmda-composer-sub000/internal/registry"
	"github.com/stevevillardi/lmda-composer-sub000/pkg/command"
	"github.com/stevevillardi/lmda-composer-sub000/pkg/tokens"
)

// ErrBusy rejects an interactive execution while another one is running.
// Callers get the refusal immediately; nothing is queued or cancelled.
var ErrBusy = errors.New("another interactive execution is already running")

type Status string

const (
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Request describes one interactive execution.
type Request struct {
	Portal      string
	CollectorID int
	Dialect     command.Dialect
	Script      string

	// Optional module context for the Groovy preamble and token substitution.
	Hostname  string
	WildValue string
	ModuleID  string

	// ExecutionID lets the caller pick the id used for cancellation; one is
	// generated when empty.
	ExecutionID string
	OnProgress  jobclient.ProgressFunc
}

// Result is what the caller sees. Status is always one of complete, error,
// cancelled; warnings are folded into Output and repeated here.
type Result struct {
	ID        string
	Status    Status
	Output    string
	StartedAt time.Time
	Duration  time.Duration
	Err       error
	Warnings  []string
}

type Orchestrator struct {
	jobs     *jobclient.Client
	prefetch *props.Prefetcher
	provider creds.Provider
	reg      *registry.Registry
	slot     *semaphore.Weighted
}

func New(jobs *jobclient.Client, prefetch *props.Prefetcher, provider creds.Provider, reg *registry.Registry) *Orchestrator {
	if reg == nil {
		reg = registry.New()
	}
	return &Orchestrator{
		jobs:     jobs,
		prefetch: prefetch,
		provider: provider,
		reg:      reg,
		slot:     semaphore.NewWeighted(1),
	}
}

// Registry exposes the active-execution registry for cancellation.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Cancel aborts the execution with the given id, if still running.
func (o *Orchestrator) Cancel(id string) bool { return o.reg.Cancel(id) }

// Execute runs one interactive execution. The single interactive slot is
// released on every exit path.
func (o *Orchestrator) Execute(ctx context.Context, req Request) Result {
	res := Result{ID: req.ExecutionID, StartedAt: time.Now()}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}

	if !o.slot.TryAcquire(1) {
		res.Status = StatusError
		res.Err = ErrBusy
		return res
	}
	defer o.slot.Release(1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	remove := o.reg.Add(res.ID, cancel)
	defer remove()

	logger := lg.FromContext(ctx).With(
		lg.String("execution", res.ID),
		lg.String("portal", req.Portal),
		lg.Int("collector", req.CollectorID))

	cred, err := creds.Acquire(ctx, o.provider, req.Portal)
	if err != nil {
		logger.Warn("credential acquisition failed", lg.Err(err))
		return o.finish(res, "", err)
	}

	target := jobclient.Target{Portal: req.Portal, CollectorID: req.CollectorID}

	out, warnings, err := o.buildAndRun(ctx, target, req, cred)
	if errors.Is(err, jobclient.ErrAuthExpired) {
		logger.Info("token expired mid-flight, refreshing once")
		cred, rerr := o.provider.RefreshToken(ctx, req.Portal)
		if rerr != nil || cred.Empty() {
			return o.finish(res, "", jobclient.ErrAuthExpired)
		}
		out, warnings, err = o.buildAndRun(ctx, target, req, cred)
	}

	res.Warnings = warnings
	if err != nil {
		return o.finish(res, "", err)
	}
	return o.finish(res, composeOutput(warnings, out), nil)
}

// buildAndRun does the substitute+build+execute step; it runs once more after
// a refreshed credential.
func (o *Orchestrator) buildAndRun(ctx context.Context, target jobclient.Target, req Request, cred creds.Credential) (string, []string, error) {
	body := req.Script
	var warnings []string

	// Groovy resolves host context on the collector via the preamble;
	// everything else needs tokens substituted before submission.
	if !req.Dialect.SupportsPreamble() && tokens.HasTokens(body) {
		propMap := map[string]string{}
		if req.Hostname != "" {
			fetched, err := o.prefetch.Fetch(ctx, target, req.Hostname, cred)
			if err != nil {
				if cerr := ctx.Err(); cerr != nil {
					return "", nil, cerr
				}
				warnings = append(warnings, "property prefetch failed; tokens resolved with empty values")
			} else {
				propMap = fetched
			}
		}
		sub := tokens.Substitute(body, propMap)
		body = sub.Text
		if len(sub.Missing) > 0 {
			warnings = append(warnings, fmt.Sprintf("unresolved tokens: %s", strings.Join(sub.Missing, ", ")))
		}
	}

	var sctx *command.ScriptContext
	if req.Hostname != "" {
		sctx = &command.ScriptContext{Hostname: req.Hostname, WildValue: req.WildValue, ModuleID: req.ModuleID}
	}
	cmd := command.BuildScriptCommand(req.Dialect, body, sctx)

	out, err := o.jobs.ExecuteAndPoll(ctx, target, cmd, cred, req.OnProgress)
	return out, warnings, err
}

func (o *Orchestrator) finish(res Result, output string, err error) Result {
	res.Duration = time.Since(res.StartedAt)
	res.Output = output
	switch {
	case err == nil:
		res.Status = StatusComplete
	case errors.Is(err, context.Canceled):
		res.Status = StatusCancelled
		res.Err = err
	default:
		res.Status = StatusError
		res.Err = err
	}
	return res
}

// composeOutput prepends warning banners in fixed order, one bracketed line
// each, separated from the raw output by a blank line.
func composeOutput(warnings []string, out string) string {
	if len(warnings) == 0 {
		return out
	}
	var b strings.Builder
	for _, w := range warnings {
		b.WriteString("[")
		b.WriteString(w)
		b.WriteString("]\n")
	}
	b.WriteString("\n")
	b.WriteString(out)
	return b.String()
}
