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

package reconcile

import (
	"sync"

	"github.com/matta/mailwatch/internal/account"
)

// Entry is a read-only view of one tracked account.
type Entry struct {
	Account account.Identity

	// Nil until the first successful poll or toggle.
	Status *account.MonitoringStatus

	// True while any call for the account is in flight.
	Loading bool

	// The failure of the latest call, if it failed.  Status still holds
	// the last good value.
	Err error
}

type entry struct {
	// Generation of the most recently issued call.  Only its result
	// may be applied.
	issued  uint64
	pending int
	status  *account.MonitoringStatus
	err     error
}

// store owns all per-account monitoring state.  Every mutation goes
// through its methods under mu; readers get copies.
type store struct {
	mu      sync.Mutex
	order   []account.Identity
	entries map[account.Identity]*entry
	changed chan struct{}
}

func newStore() *store {
	return &store{
		entries: make(map[account.Identity]*entry),
		changed: make(chan struct{}, 1),
	}
}

func (s *store) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// track replaces the tracked set.  State for accounts that stay
// tracked is kept.
func (s *store) track(ids []account.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[account.Identity]*entry, len(ids))
	order := make([]account.Identity, 0, len(ids))
	for _, id := range ids {
		if _, dup := keep[id]; dup {
			continue
		}
		e := s.entries[id]
		if e == nil {
			e = &entry{}
		}
		keep[id] = e
		order = append(order, id)
	}
	s.entries = keep
	s.order = order
	s.notify()
}

func (s *store) accounts() []account.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]account.Identity(nil), s.order...)
}

// begin issues a new generation for id.  ok is false if id is not
// tracked.
func (s *store) begin(id account.Identity) (gen uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	if e == nil {
		return 0, false
	}
	e.issued++
	e.pending++
	s.notify()
	return e.issued, true
}

// outcome of finishing a call.
type outcome int

const (
	applied outcome = iota
	staleGeneration
	staleUpdate
	untracked
)

// finish records the result of the call issued as gen.  A nil err
// replaces the stored status wholesale, provided gen is still the
// latest issued generation and st is not older than the stored status.
func (s *store) finish(id account.Identity, gen uint64, st account.MonitoringStatus, err error) outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	if e == nil {
		return untracked
	}
	e.pending--
	defer s.notify()
	if gen != e.issued {
		return staleGeneration
	}
	if err != nil {
		e.err = err
		return applied
	}
	if e.status != nil && st.OlderThan(*e.status) {
		return staleUpdate
	}
	v := st
	e.status = &v
	e.err = nil
	return applied
}

func (s *store) get(id account.Identity) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	if e == nil {
		return Entry{}, false
	}
	return e.view(id), true
}

func (s *store) snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].view(id))
	}
	return out
}

func (e *entry) view(id account.Identity) Entry {
	v := Entry{Account: id, Loading: e.pending > 0, Err: e.err}
	if e.status != nil {
		st := *e.status
		v.Status = &st
	}
	return v
}
