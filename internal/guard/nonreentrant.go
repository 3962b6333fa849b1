package guard

import (
	"sync"

	"github.com/ChuLiYu/actionguard/pkg/types"
)

// NonReentrant drops calls on a key that is already running.
type NonReentrant struct {
	mu     sync.Mutex
	active map[types.Key]struct{}
}

func NewNonReentrant() *NonReentrant {
	return &NonReentrant{active: make(map[types.Key]struct{})}
}

// TryEnter marks key as running, or reports false if it already is.
func (n *NonReentrant) TryEnter(key types.Key) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, busy := n.active[key]; busy {
		return false
	}
	n.active[key] = struct{}{}
	return true
}

// Leave must be called once for every accepted TryEnter.
func (n *NonReentrant) Leave(key types.Key) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.active, key)
}

func (n *NonReentrant) Active(key types.Key) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, busy := n.active[key]
	return busy
}

func (n *NonReentrant) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.active = make(map[types.Key]struct{})
}
