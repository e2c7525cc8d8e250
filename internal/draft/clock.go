package draft

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Clock supplies wall-clock time for action timestamps, action ids and
// mapping expirations.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// idSource produces ULIDs that sort in generation order, even within one
// millisecond, so action id order is enqueue order.
type idSource struct {
	mu      sync.Mutex
	clock   Clock
	entropy io.Reader
}

func newIDSource(clock Clock) *idSource {
	return &idSource{clock: clock, entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *idSource) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.clock.Now()), s.entropy).String()
}
