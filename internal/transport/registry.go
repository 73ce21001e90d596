package transport

import "sync"

// Registry hands out one Client per connection URL. It is constructed once
// near main and passed by dependency injection; Teardown exists for test
// isolation.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: map[string]*Client{}}
}

// Get returns the client for opts.URL, constructing it on first use.
func (r *Registry) Get(opts Options) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[opts.URL]; ok {
		return c
	}
	c := New(opts)
	r.clients[opts.URL] = c
	return c
}

// Teardown disconnects and forgets every client.
func (r *Registry) Teardown() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = map[string]*Client{}
	r.mu.Unlock()
	for _, c := range clients {
		c.Disconnect()
	}
}
