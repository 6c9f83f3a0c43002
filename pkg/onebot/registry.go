package onebot

import (
	"sync"
)

// Registry maps account ids to their live protocol clients. The channel
// manager registers and unregisters entries around a connection's lifetime;
// the outbound path only reads. Inserts are last-writer-wins.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

func (r *Registry) Register(account string, client *Client) {
	r.mu.Lock()
	r.clients[account] = client
	r.mu.Unlock()
}

func (r *Registry) Lookup(account string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[account]
	return client, ok
}

func (r *Registry) Unregister(account string) {
	r.mu.Lock()
	delete(r.clients, account)
	r.mu.Unlock()
}

func (r *Registry) Clear() {
	r.mu.Lock()
	r.clients = make(map[string]*Client)
	r.mu.Unlock()
}
