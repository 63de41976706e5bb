package auth

import "sync"

// Bearer is the token cell shared by the session store, which writes it, and
// the API client, which reads it on every request.
type Bearer struct {
	mu    sync.RWMutex
	token string
}

func (b *Bearer) Token() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.token
}

func (b *Bearer) Set(token string) {
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
}

func (b *Bearer) Clear() {
	b.Set("")
}
