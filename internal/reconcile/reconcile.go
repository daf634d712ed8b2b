// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reconcile keeps a local view of each account's monitoring
// status in step with the backend.
//
// The server owns the monitoring state and may change it at any time,
// so the reconciler never infers it: statuses only ever come from a
// poll or from the answer to a start/stop command, and each answer
// replaces the previous status wholesale.  Every call takes a new
// per-account generation, and an answer is applied only if no newer
// call for the same account was issued after it.  This discards, for
// example, a slow poll answer that arrives after a toggle answer.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/matta/mailwatch/internal/account"
	"github.com/matta/mailwatch/internal/apihttp"
	"github.com/matta/mailwatch/internal/clock"
	"github.com/matta/mailwatch/internal/mailapi"
)

const (
	DefaultInterval    = 30 * time.Second
	defaultConcurrency = 4
)

var (
	// ErrUntracked is returned for accounts outside the tracked set.
	ErrUntracked = errors.New("account is not tracked")

	// ErrStale is returned by Toggle when the server's answer was
	// superseded by a newer call before it could be applied.
	ErrStale = errors.New("superseded by a newer call")
)

// Reconciler polls the backend for the monitoring status of a set of
// accounts and applies start/stop commands.
type Reconciler struct {
	src         StatusSource
	clock       clock.Clock
	interval    time.Duration
	concurrency int
	logger      *slog.Logger

	store *store
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock sets the clock driving Run.
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithInterval sets the sweep cadence of Run.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithConcurrency bounds the number of polls in flight during a sweep.
func WithConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

func New(src StatusSource, opts ...Option) *Reconciler {
	r := &Reconciler{
		src:         src,
		clock:       clock.Real(),
		interval:    DefaultInterval,
		concurrency: defaultConcurrency,
		logger:      slog.Default(),
		store:       newStore(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Track replaces the set of accounts the reconciler follows.  Status
// of accounts dropped from the set is forgotten.
func (r *Reconciler) Track(ids ...account.Identity) {
	r.store.track(ids)
}

// Accounts returns the tracked accounts in tracking order.
func (r *Reconciler) Accounts() []account.Identity {
	return r.store.accounts()
}

// Snapshot returns a copy of the state of every tracked account.
func (r *Reconciler) Snapshot() []Entry {
	return r.store.snapshot()
}

// Status returns a copy of the state of one tracked account.
func (r *Reconciler) Status(id account.Identity) (Entry, bool) {
	return r.store.get(id)
}

// Changed delivers a value after any state change.  Notifications
// coalesce; receivers should re-read Snapshot.
func (r *Reconciler) Changed() <-chan struct{} {
	return r.store.changed
}

// Poll fetches the status of id and applies it.  On failure the
// previously stored status is retained and the error returned.
func (r *Reconciler) Poll(ctx context.Context, id account.Identity) (account.MonitoringStatus, error) {
	gen, ok := r.store.begin(id)
	if !ok {
		return account.MonitoringStatus{}, errors.Wrapf(ErrUntracked, "polling %v", id)
	}
	st, err := r.src.MonitorStatus(ctx, id)
	r.record(id, gen, st, err, "poll")
	if err != nil {
		return account.MonitoringStatus{}, err
	}
	return st, nil
}

// PollAll polls every tracked account.  A failure for one account does
// not affect the others; failures are logged and kept on the account's
// entry.  The only error returned is one wrapping
// apihttp.ErrUnauthenticated, which callers must escalate.
func (r *Reconciler) PollAll(ctx context.Context) error {
	ids := r.store.accounts()
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := r.Poll(ctx, id)
			if errors.Is(err, apihttp.ErrUnauthenticated) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Toggle starts monitoring id if the last known status says it is not
// monitored, and stops it otherwise.  The resulting status is whatever
// the server answers.
func (r *Reconciler) Toggle(ctx context.Context, id account.Identity) (account.MonitoringStatus, error) {
	action := mailapi.Start
	if e, ok := r.store.get(id); ok && e.Status != nil && e.Status.IsMonitoring {
		action = mailapi.Stop
	}
	return r.Set(ctx, id, action)
}

// Set sends action for id and applies the server's answer.  On failure
// the stored status is unchanged.
func (r *Reconciler) Set(ctx context.Context, id account.Identity, action mailapi.Action) (account.MonitoringStatus, error) {
	gen, ok := r.store.begin(id)
	if !ok {
		return account.MonitoringStatus{}, errors.Wrapf(ErrUntracked, "%s monitoring %v", action, id)
	}
	st, err := r.src.SetMonitoring(ctx, id, action)
	if r.record(id, gen, st, err, string(action)) == staleGeneration && err == nil {
		return st, errors.Wrapf(ErrStale, "%s monitoring %v", action, id)
	}
	if err != nil {
		return account.MonitoringStatus{}, err
	}
	return st, nil
}

func (r *Reconciler) record(id account.Identity, gen uint64, st account.MonitoringStatus, err error, op string) outcome {
	out := r.store.finish(id, gen, st, err)
	switch {
	case out == staleGeneration:
		r.logger.Debug("discarding superseded answer", "account", id, "op", op, "generation", gen)
	case out == staleUpdate:
		r.logger.Debug("discarding answer older than stored status", "account", id, "op", op)
	case err != nil:
		r.logger.Warn("monitoring status call failed", "account", id, "op", op, "error", err)
	}
	return out
}

// Run sweeps all tracked accounts immediately and then once per
// interval until ctx is done.  The ticker is released before Run
// returns.  Run returns early with an error wrapping
// apihttp.ErrUnauthenticated if a sweep hits one.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("reconciler started", "interval", r.interval)
	for {
		if err := r.PollAll(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
