// Package matching implements the preference-based FIFO matchmaking queue
// and the service that turns a successful pairing into an ephemeral
// anonymous conversation. The queue is a process-local structure guarded by a
// single mutex; this process is the one authoritative matcher, which is the
// stated horizontal-scaling limitation of the design.
package matching

import (
	"strings"
	"sync"
	"time"
)

// ChatMode selects the medium of an anonymous chat. Both sides must request
// the identical mode to match.
type ChatMode string

const (
	ModeText  ChatMode = "text"
	ModeVideo ChatMode = "video"
)

// Preference is a user's matching filter. Empty (or "any") gender/country
// admit everyone.
type Preference struct {
	PreferredGender  string
	PreferredCountry string
	ChatMode         ChatMode
	IsSearching      bool
}

// Profile carries the attributes of a user that the counterpart's filters
// are evaluated against.
type Profile struct {
	UserID  string
	Gender  string
	Country string
}

// Entry is one waiting user.
type Entry struct {
	Profile    Profile
	Prefs      Preference
	EnqueuedAt time.Time
}

// admits reports whether the preference accepts the given counterpart.
func admits(p Preference, other Profile) bool {
	if g := strings.ToLower(p.PreferredGender); g != "" && g != "any" {
		if !strings.EqualFold(g, other.Gender) {
			return false
		}
	}
	if c := p.PreferredCountry; c != "" {
		if !strings.EqualFold(c, other.Country) {
			return false
		}
	}
	return true
}

// Compatible reports mutual compatibility: both filters must admit the other
// user and both must request the identical chat mode.
func Compatible(a Profile, ap Preference, b Profile, bp Preference) bool {
	if ap.ChatMode != bp.ChatMode {
		return false
	}
	return admits(ap, b) && admits(bp, a)
}

// Queue is the in-memory FIFO of waiting users. All operations are serialized
// by a single mutex; scans are O(n) and tolerate stale entries — a queued
// user that no longer resolves is evicted lazily during the scan.
type Queue struct {
	mu      sync.Mutex
	entries []*Entry
	byUser  map[string]*Entry

	// resolve reports whether a queued user is still valid (connected, not
	// suspended). nil means every entry resolves.
	resolve func(userID string) bool
}

// NewQueue creates an empty queue. The resolve predicate may be nil.
func NewQueue(resolve func(userID string) bool) *Queue {
	return &Queue{
		byUser:  make(map[string]*Entry),
		resolve: resolve,
	}
}

// Enqueue appends a waiting user. Returns false if the user is already
// queued; the queue is unaffected in that case.
func (q *Queue) Enqueue(profile Profile, prefs Preference) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byUser[profile.UserID]; ok {
		return false
	}
	e := &Entry{Profile: profile, Prefs: prefs, EnqueuedAt: time.Now()}
	q.entries = append(q.entries, e)
	q.byUser[profile.UserID] = e
	return true
}

// FindMatch scans the queue in FIFO order and returns the earliest-queued
// user that is mutually compatible with the caller, removing it from the
// queue. Stale entries encountered during the scan are evicted. Returns nil
// when no compatible counterpart is waiting. The caller itself is never
// matched even if queued.
func (q *Queue) FindMatch(profile Profile, prefs Preference) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.findLocked(profile, prefs)
}

// FindOrEnqueue runs the compatibility scan and the fallback enqueue in one
// critical section: either the earliest-queued compatible counterpart is
// returned (removed from the queue), or the caller ends up queued and gets
// their 1-indexed position and the queue size. A caller that is already
// waiting keeps their original slot. Two mutually compatible users racing
// through here always pair up; one of them wins the lock first and queues,
// the other finds them.
func (q *Queue) FindOrEnqueue(profile Profile, prefs Preference) (partner *Entry, pos, size int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byUser[profile.UserID]; ok {
		return nil, q.positionLocked(profile.UserID), len(q.entries)
	}

	if e := q.findLocked(profile, prefs); e != nil {
		return e, 0, len(q.entries)
	}

	e := &Entry{Profile: profile, Prefs: prefs, EnqueuedAt: time.Now()}
	q.entries = append(q.entries, e)
	q.byUser[profile.UserID] = e
	return nil, len(q.entries), len(q.entries)
}

func (q *Queue) findLocked(profile Profile, prefs Preference) *Entry {
	i := 0
	for i < len(q.entries) {
		e := q.entries[i]
		if e.Profile.UserID == profile.UserID {
			i++
			continue
		}
		if q.resolve != nil && !q.resolve(e.Profile.UserID) {
			q.removeAtLocked(i)
			continue
		}
		if Compatible(profile, prefs, e.Profile, e.Prefs) {
			q.removeAtLocked(i)
			return e
		}
		i++
	}
	return nil
}

// Remove takes a user out of the queue. Returns false if they were not
// queued.
func (q *Queue) Remove(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.Profile.UserID == userID {
			q.removeAtLocked(i)
			return true
		}
	}
	return false
}

// Position returns the 1-indexed position of a queued user, or false if they
// are not waiting.
func (q *Queue) Position(userID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if pos := q.positionLocked(userID); pos > 0 {
		return pos, true
	}
	return 0, false
}

func (q *Queue) positionLocked(userID string) int {
	for i, e := range q.entries {
		if e.Profile.UserID == userID {
			return i + 1
		}
	}
	return 0
}

// Size returns the number of waiting users.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Waiting returns a snapshot of the queued entries in FIFO order.
func (q *Queue) Waiting() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

func (q *Queue) removeAtLocked(i int) {
	e := q.entries[i]
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	delete(q.byUser, e.Profile.UserID)
}
