package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/harun/wafleet/internal/observability"
)

// ClientRegistry manages connected push clients and their subscriptions. Authentication
// and subscription state of a Client is only read or written under the registry lock.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	if client.subscriptions == nil {
		client.subscriptions = make(map[string]struct{})
	}
	r.clients[client.ID] = client
	count := len(r.clients)
	r.mu.Unlock()

	observability.SetPushClients(count)
}

// Remove removes a client from the registry
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	count := len(r.clients)
	r.mu.Unlock()

	observability.SetPushClients(count)
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Authenticate marks a client as an administrator.
func (r *ClientRegistry) Authenticate(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.Authenticated = true
		client.State = StateAuthenticated
	}
}

// IsAuthenticated reports whether the client passed the challenge.
func (r *ClientRegistry) IsAuthenticated(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return exists && client.Authenticated
}

// Subscribe adds identity to the events the client receives.
func (r *ClientRegistry) Subscribe(clientID, identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, exists := r.clients[clientID]
	if !exists {
		return false
	}
	client.subscriptions[identity] = struct{}{}
	return true
}

// Unsubscribe removes identity from the client's subscriptions.
func (r *ClientRegistry) Unsubscribe(clientID, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		delete(client.subscriptions, identity)
	}
}

// Recipients returns the clients that should receive an event about identity: every client
// for server-wide events, otherwise administrators and subscribers of identity.
func (r *ClientRegistry) Recipients(identity string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0)
	for _, client := range r.clients {
		if identity == "" || client.Authenticated {
			clients = append(clients, client)
			continue
		}
		if _, ok := client.subscriptions[identity]; ok {
			clients = append(clients, client)
		}
	}
	return clients
}

// GetAuthenticatedClients returns only authenticated clients
func (r *ClientRegistry) GetAuthenticatedClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0)
	for _, client := range r.clients {
		if client.Authenticated {
			clients = append(clients, client)
		}
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// GetConnectedClients returns client information for all connected clients
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))

	for _, client := range r.clients {
		subs := make([]string, 0, len(client.subscriptions))
		for identity := range client.subscriptions {
			subs = append(subs, identity)
		}
		sort.Strings(subs)

		infos = append(infos, ClientInfo{
			ID:            client.ID,
			Authenticated: client.Authenticated,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Idle:          now.Sub(client.LastActivity) > 5*time.Minute,
			Subscriptions: subs,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

// UpdateActivity updates the last activity time for a client
func (r *ClientRegistry) UpdateActivity(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = time.Now()
	}
}
