package registry

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// keyedMutex serialises work per id without keeping one mutex per id alive.
// Different ids may share a stripe, which only costs some parallelism.
type keyedMutex struct {
	stripes [lockStripes]sync.Mutex
}

// Lock locks the stripe owning id and returns its unlock function
func (k *keyedMutex) Lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &k.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
