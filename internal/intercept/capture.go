package intercept

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrSnapshotMismatch means a fetched body was not an extension of the last
// snapshot. Treated as a transient anomaly: skip, log, continue.
var ErrSnapshotMismatch = errors.New("body is not an extension of the last snapshot")

// Capturer owns per-request frame decoding state: the boundary-aware UTF-8
// decoder for incremental delivery and the body snapshot for the diff
// fallback. One exchange's state never bleeds into the next; the engine
// resets the capturer whenever the target changes.
type Capturer struct {
	mu          sync.Mutex
	dec         ChunkDecoder
	lastBody    string
	lastFetch   time.Time
	minInterval time.Duration
	incremental bool
}

// NewCapturer returns a capturer enforcing minInterval between body fetches
// in fallback mode.
func NewCapturer(minInterval time.Duration) *Capturer {
	return &Capturer{minInterval: minInterval}
}

// DecodeChunk decodes one incremental frame, carrying any incomplete
// trailing multi-byte sequence over to the next call. Marks the exchange as
// incrementally delivered, which disables the diff fallback.
func (c *Capturer) DecodeChunk(raw []byte) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incremental = true
	return c.dec.Decode(raw)
}

// Incremental reports whether any incremental frame has been observed for
// the current exchange.
func (c *Capturer) Incremental() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incremental
}

// AllowFetch rate-limits full-body fetches so the fallback does not saturate
// the instrumentation channel. A true result reserves the slot.
func (c *Capturer) AllowFetch(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastFetch.IsZero() && now.Sub(c.lastFetch) < c.minInterval {
		return false
	}
	c.lastFetch = now
	return true
}

// ApplySnapshot diffs a freshly fetched body against the last snapshot. A
// strict prefix-extension yields the new suffix and advances the snapshot;
// an identical body yields nothing; anything else returns
// ErrSnapshotMismatch and leaves the snapshot untouched.
//
// Once any incremental frame has been observed the snapshot path is dead:
// a fetch that was already in flight when incremental delivery took over
// would re-emit bytes the decoder path dispatched. The check shares the
// mutex with DecodeChunk, so the handoff cannot race.
func (c *Capturer) ApplySnapshot(body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.incremental {
		return "", nil
	}
	if body == c.lastBody {
		return "", nil
	}
	if !strings.HasPrefix(body, c.lastBody) {
		return "", ErrSnapshotMismatch
	}
	suffix := body[len(c.lastBody):]
	c.lastBody = body
	return suffix, nil
}

// Snapshot returns the last accepted body snapshot.
func (c *Capturer) Snapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBody
}

// Reset clears decoder carry, snapshot, and delivery-mode flags. Atomic with
// respect to concurrent decode or snapshot application.
func (c *Capturer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dec.Flush()
	c.lastBody = ""
	c.lastFetch = time.Time{}
	c.incremental = false
}
