// Package monitor runs the reconciliation loop: observe container state,
// build the routing model, and apply the rendered configuration when it
// differs from what is live. One tick is in flight at a time; event
// notifications only schedule the next tick.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/wtnb75/dlabeld/nginx"
	"github.com/wtnb75/dlabeld/route"
	"github.com/wtnb75/dlabeld/source"
	"github.com/wtnb75/dlabeld/traefik"
)

// Options tune the loop. Zero values are filled in by New.
type Options struct {
	// Interval between ticks when no change notification arrives.
	Interval time.Duration
	// Debounce is how long to coalesce change notifications before the
	// next tick, absorbing bursts of container churn.
	Debounce time.Duration
	// Timeout bounds one tick's runtime query, validator run and reload
	// dispatch together.
	Timeout time.Duration
	// Once performs a single tick and returns its outcome.
	Once bool

	Extract  traefik.Options
	Conflict route.ConflictPolicy
}

const (
	defaultInterval = 30 * time.Second
	defaultDebounce = 500 * time.Millisecond
	defaultTimeout  = 15 * time.Second
)

// Monitor drives reconciliation. All cross-tick state lives here and in
// the applier: the last applied text for the no-op diff, nothing else.
type Monitor struct {
	src      source.Source
	renderer *nginx.Renderer
	applier  *nginx.Applier
	opts     Options
}

func New(src source.Source, renderer *nginx.Renderer, applier *nginx.Applier, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Monitor{src: src, renderer: renderer, applier: applier, opts: opts}
}

// Run loops until ctx is canceled. Failures inside a tick are contained
// to that tick: the desired state is recomputed from scratch next time,
// so nothing needs an immediate retry. In run-once mode the single tick's
// error is returned instead.
func (m *Monitor) Run(ctx context.Context) error {
	if m.opts.Once {
		return m.Tick(ctx)
	}

	timer := time.NewTimer(0) // first tick immediately
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.G(ctx).Info("monitor stopped")
			return nil
		case <-timer.C:
		case <-m.src.Changes():
			if !m.debounce(ctx) {
				return nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if err := m.Tick(ctx); err != nil {
			switch {
			case cerrdefs.IsUnavailable(err):
				log.G(ctx).WithError(err).Warn("container runtime unavailable, keeping last configuration")
			case isReloadError(err):
				log.G(ctx).WithError(err).Error("configuration is live but the server did not reload")
			default:
				log.G(ctx).WithError(err).Error("reconciliation failed, will retry on next tick")
			}
		}
		timer.Reset(m.opts.Interval)
	}
}

// debounce waits out the coalescing window and drains queued
// notifications. Returns false if the context ended meanwhile.
func (m *Monitor) debounce(ctx context.Context) bool {
	t := time.NewTimer(m.opts.Debounce)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}
	for {
		select {
		case <-m.src.Changes():
		default:
			return true
		}
	}
}

// Tick performs one reconciliation pass. Extraction failures are
// contained per container; only reaching the runtime or applying the
// configuration can fail the tick.
func (m *Monitor) Tick(ctx context.Context) error {
	tctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	snaps, err := m.src.Snapshot(tctx)
	if err != nil {
		return err
	}

	var rules []traefik.Rule
	for _, snap := range snaps {
		rules = append(rules, traefik.Extract(tctx, snap, m.opts.Extract)...)
	}
	model := route.Build(tctx, rules, m.opts.Conflict)

	text, err := m.renderer.Render(tctx, model)
	if err != nil {
		return err
	}
	if bytes.Equal(text, m.applier.Current()) {
		log.G(tctx).WithField("rules", len(model.Rules)).Debug("configuration unchanged")
		return nil
	}

	log.G(tctx).WithField("rules", len(model.Rules)).Info("configuration changed, applying")
	return m.applier.Apply(tctx, text)
}

func isReloadError(err error) bool {
	var re *nginx.ReloadError
	return errors.As(err, &re)
}
