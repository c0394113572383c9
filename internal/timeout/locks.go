package timeout

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// keyLocks serializes work per group key. Keys hash onto a fixed set of mutexes, so two
// keys may share a stripe; that only costs parallelism.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyLocks) get(keyID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(keyID))
	return &l.stripes[h.Sum32()%lockStripes]
}
