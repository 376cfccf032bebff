// Package lock sequences handler access to mailboxes. Readers of a mailbox
// share access, writers get it exclusively, and distinct mailboxes never
// contend with each other.
package lock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"golang.org/x/sync/semaphore"
)

// Mode is the kind of access a handler asks for.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// maxReaders is the semaphore weight; an exclusive holder takes all of it.
const maxReaders = 1 << 30

// Claim names one mailbox a handler needs and how.
type Claim struct {
	Key  string
	Mode Mode
}

// Release gives access back. Calling it more than once is harmless.
type Release func()

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Coordinator hands out per-mailbox access. The zero value is not usable;
// call New.
type Coordinator struct {
	mu      sync.Mutex
	entries map[string]*entry
	wait    metrics.Histogram
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWaitHistogram records how long each acquisition waited, labelled by
// mode.
func WithWaitHistogram(h metrics.Histogram) Option {
	return func(c *Coordinator) {
		c.wait = h
	}
}

func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		entries: make(map[string]*entry),
		wait:    discard.NewHistogram(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key builds the coordination key of a user's mailbox. INBOX is case
// insensitive.
func Key(username, mailbox string) string {
	if strings.EqualFold(mailbox, "INBOX") {
		mailbox = "INBOX"
	}
	return username + "\x00" + mailbox
}

func (c *Coordinator) ref(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(maxReaders)}
		c.entries[key] = e
	}
	e.refs++
	return e
}

func (c *Coordinator) unref(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(c.entries, key)
	}
}

// Acquire blocks until the requested access to key is granted or ctx is
// done. Waiters are served in arrival order, so a queued writer holds back
// readers that arrive after it.
func (c *Coordinator) Acquire(ctx context.Context, key string, mode Mode) (Release, error) {
	weight := int64(1)
	if mode == Exclusive {
		weight = maxReaders
	}

	e := c.ref(key)
	start := time.Now()
	if err := e.sem.Acquire(ctx, weight); err != nil {
		c.unref(key, e)
		return nil, err
	}
	c.wait.With("mode", mode.String()).Observe(time.Since(start).Seconds())

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(weight)
			c.unref(key, e)
		})
	}, nil
}

// AcquireAll takes every claim in ascending key order, so two handlers
// claiming overlapping sets can never deadlock. A key claimed twice is
// taken once, in the stronger mode. On failure nothing stays held.
func (c *Coordinator) AcquireAll(ctx context.Context, claims ...Claim) (Release, error) {
	merged := make(map[string]Mode, len(claims))
	for _, cl := range claims {
		if m, ok := merged[cl.Key]; !ok || cl.Mode > m {
			merged[cl.Key] = cl.Mode
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	releases := make([]Release, 0, len(keys))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, k := range keys {
		r, err := c.Acquire(ctx, k, merged[k])
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, r)
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

// Hold pins the entry for key for as long as a session has the mailbox
// selected. It never blocks and never excludes readers or writers.
func (c *Coordinator) Hold(key string) Release {
	e := c.ref(key)
	var once sync.Once
	return func() {
		once.Do(func() { c.unref(key, e) })
	}
}

// Active returns the number of mailboxes currently held or waited on.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Holders returns the reference count on key.
func (c *Coordinator) Holders(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.refs
	}
	return 0
}
