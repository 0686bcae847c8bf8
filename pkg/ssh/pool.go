package ssh

import (
	"fmt"
	"sync"
)

// Pool caches SSH clients keyed by user@host:port so repeated remote
// operations against the same VM reuse one connection.
type Pool struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

// NewPool creates an empty connection pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

func poolKey(host string, port int, user string) string {
	return fmt.Sprintf("%s@%s:%d", user, host, port)
}

// GetOrCreate returns a connected client from the pool, dialing a new
// one if needed.
func (p *Pool) GetOrCreate(host string, port int, user, keyPath string) (*Client, error) {
	key := poolKey(host, port, user)

	p.mu.RLock()
	client, exists := p.clients[key]
	p.mu.RUnlock()
	if exists {
		// A pooled client may have been closed underneath us; redial it
		// rather than handing out a dead connection.
		if client.IsConnected() {
			return client, nil
		}
		if err := client.Connect(); err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := NewClient(host, port, user, keyPath)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.clients[key] = client
	p.mu.Unlock()
	return client, nil
}

// CloseAll closes every pooled connection.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for _, client := range p.clients {
		if err := client.Close(); err != nil {
			lastErr = err
		}
	}
	p.clients = make(map[string]*Client)
	return lastErr
}
