// Package profiles owns browser-profile identity: seeding from topology
// config, request-time resolution, and the in-process exclusivity lock
// that keeps one profile from running in two containers at once.
package profiles

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ProfileBusyError reports that a profile is held (or reserved) by
// another request. Its fields feed the PROFILE_BUSY response details.
type ProfileBusyError struct {
	ProfileID  string
	Owner      string
	Since      time.Time
	AgeSeconds float64
	State      string // "locked" or "reserved"
}

func (e *ProfileBusyError) Error() string {
	return fmt.Sprintf("profile %s is %s by %s (%.1fs)", e.ProfileID, e.State, e.Owner, e.AgeSeconds)
}

// lockEntry tracks one profile's lock state. ch has capacity 1 and acts
// as the mutex; reserved marks an in-flight acquisition so concurrent
// TryLock calls fail fast instead of queueing.
type lockEntry struct {
	ch       chan struct{}
	reserved bool
	owner    string
	since    time.Time
	holders  int
}

// ProfileLock serializes profile use across concurrent solve requests.
// The lock is process-local: profile exclusivity only has to hold within
// one orchestrator, which is the deployment model.
type ProfileLock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// NewProfileLock returns an empty lock table.
func NewProfileLock() *ProfileLock {
	return &ProfileLock{entries: make(map[string]*lockEntry)}
}

// TryLock acquires the profile for owner, failing fast with
// *ProfileBusyError when another request holds or is acquiring it.
// On success the returned release func must be called exactly once;
// extra calls are no-ops.
func (l *ProfileLock) TryLock(ctx context.Context, profileID, owner string) (func(), error) {
	now := time.Now()

	l.mu.Lock()
	e, ok := l.entries[profileID]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.entries[profileID] = e
	}
	if e.reserved || len(e.ch) > 0 {
		busy := &ProfileBusyError{
			ProfileID:  profileID,
			Owner:      e.owner,
			Since:      e.since,
			AgeSeconds: now.Sub(e.since).Seconds(),
			State:      "locked",
		}
		if e.reserved && len(e.ch) == 0 {
			busy.State = "reserved"
		}
		l.mu.Unlock()
		return nil, busy
	}
	e.reserved = true
	e.owner = owner
	e.since = now
	e.holders++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.mu.Lock()
		e.reserved = false
		e.holders--
		l.gcLocked(profileID, e)
		l.mu.Unlock()
		return nil, ctx.Err()
	}

	l.mu.Lock()
	e.reserved = false
	l.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			<-e.ch
			e.holders--
			e.owner = ""
			l.gcLocked(profileID, e)
			l.mu.Unlock()
		})
	}
	return release, nil
}

// gcLocked drops idle entries so the table does not grow with every
// profile id ever seen. Caller holds l.mu.
func (l *ProfileLock) gcLocked(profileID string, e *lockEntry) {
	if e.holders == 0 && !e.reserved && len(e.ch) == 0 {
		delete(l.entries, profileID)
	}
}

// LockInfo is one held profile lock, as exposed by Snapshot.
type LockInfo struct {
	ProfileID  string  `json:"profile_id"`
	Owner      string  `json:"owner"`
	Since      string  `json:"since"`
	AgeSeconds float64 `json:"age_seconds"`
	State      string  `json:"state"`
}

// Snapshot returns the currently held and reserved profile locks.
func (l *ProfileLock) Snapshot() []LockInfo {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LockInfo, 0, len(l.entries))
	for id, e := range l.entries {
		state := "locked"
		if e.reserved && len(e.ch) == 0 {
			state = "reserved"
		}
		out = append(out, LockInfo{
			ProfileID:  id,
			Owner:      e.owner,
			Since:      e.since.UTC().Format(time.RFC3339Nano),
			AgeSeconds: now.Sub(e.since).Seconds(),
			State:      state,
		})
	}
	return out
}
