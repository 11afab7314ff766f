package session

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Registry tracks live sessions by callSid and supports graceful draining.
// When draining is enabled, new calls are rejected while in-flight calls
// finish naturally.
//
// A callSid is reserved before the transcription link is dialed so a
// duplicate start is rejected synchronously, and committed once the session
// exists. The draining check and wg.Add happen under mu so no call can slip
// in after StartDraining returns.
type Registry struct {
	mu       sync.Mutex
	draining bool
	sessions map[string]*Session
	reserved map[string]struct{}
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		reserved: make(map[string]struct{}),
	}
}

// Reserve claims callSid. It fails with ErrDraining or ErrRegistryConflict
// without changing any state.
func (r *Registry) Reserve(callSid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return ErrDraining
	}
	if _, ok := r.sessions[callSid]; ok {
		return ErrRegistryConflict
	}
	if _, ok := r.reserved[callSid]; ok {
		return ErrRegistryConflict
	}
	r.reserved[callSid] = struct{}{}
	r.wg.Add(1)
	r.count.Add(1)
	return nil
}

// Release drops a reservation whose session never started.
func (r *Registry) Release(callSid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reserved[callSid]; !ok {
		return
	}
	delete(r.reserved, callSid)
	r.count.Add(-1)
	r.wg.Done()
}

// Commit turns the reservation for s.CallSid() into a live entry.
func (r *Registry) Commit(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, s.callSid)
	r.sessions[s.callSid] = s
}

// Insert reserves and commits in one step.
func (r *Registry) Insert(s *Session) error {
	if err := r.Reserve(s.callSid); err != nil {
		return err
	}
	r.Commit(s)
	return nil
}

// Remove deletes the entry for callSid only if it still points at s, so a
// late removal can never evict a newer session. Reports whether it removed.
func (r *Registry) Remove(callSid string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[callSid]
	if !ok || cur != s {
		return false
	}
	delete(r.sessions, callSid)
	r.count.Add(-1)
	r.wg.Done()
	return true
}

// Get returns the live session for callSid.
func (r *Registry) Get(callSid string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callSid]
	return s, ok
}

// Sessions returns the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	return out
}

// List returns snapshots of the live sessions, oldest first.
func (r *Registry) List() []Info {
	sessions := r.Sessions()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// StartDraining sets the draining flag so that future reservations fail.
func (r *Registry) StartDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (r *Registry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// ActiveCount returns the number of reserved or live calls.
func (r *Registry) ActiveCount() int64 {
	return r.count.Load()
}

// Wait blocks until every reserved or live call has been released or removed.
func (r *Registry) Wait() {
	r.wg.Wait()
}
