package trouble

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idGenerator assigns monotonic 64-bit trouble/event identifiers. ULIDs are
// time-sortable and, via ulid.Monotonic, strictly increasing within the
// same millisecond for a single process — exactly the ordering property
// spec §5's serial task queue and §3.1's event_id need. The 128-bit ULID is
// folded to the high 64 bits (timestamp + top entropy bits) to match the
// spec's 64-bit trouble_id. Within one millisecond the monotonic increment
// only changes the low bits, so the folded value can repeat; next() bumps
// past the last value it issued to keep the IDs strictly increasing.
type idGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	last    uint64
}

func newIDGenerator() *idGenerator {
	return &idGenerator{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// next returns a fresh, non-zero, monotonically increasing ID. trouble_id
// == 0 is reserved to mean "unassigned" (spec invariant 2).
func (g *idGenerator) next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	v := binary.BigEndian.Uint64(id[:8])
	if v == 0 {
		v = 1
	}
	if v <= g.last {
		v = g.last + 1
	}
	g.last = v
	return v
}
