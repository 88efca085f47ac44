package engine

import "sync"

// RelayStore maps an agent's WhatsApp address to the customer address they are
// currently relaying to. While an entry exists, the agent's plain-text input
// is forwarded verbatim instead of being interpreted as flow triggers.
type RelayStore interface {
	Get(agentAddress string) (customerAddress string, ok bool)
	Set(agentAddress, customerAddress string)
	Delete(agentAddress string)
}

// InMemoryRelayStore is the default RelayStore.
type InMemoryRelayStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewInMemoryRelayStore() *InMemoryRelayStore {
	return &InMemoryRelayStore{entries: make(map[string]string)}
}

func (r *InMemoryRelayStore) Get(agentAddress string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	customer, ok := r.entries[agentAddress]
	return customer, ok
}

func (r *InMemoryRelayStore) Set(agentAddress, customerAddress string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[agentAddress] = customerAddress
}

func (r *InMemoryRelayStore) Delete(agentAddress string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, agentAddress)
}
