package ai

import (
	"strings"
	"sync"
)

// Credentials holds the model API key for one server instance. It is safe
// for concurrent use; updates apply to subsequent requests.
type Credentials struct {
	mu     sync.RWMutex
	apiKey string
}

func NewCredentials(apiKey string) *Credentials {
	return &Credentials{apiKey: strings.TrimSpace(apiKey)}
}

func (c *Credentials) Set(apiKey string) {
	c.mu.Lock()
	c.apiKey = strings.TrimSpace(apiKey)
	c.mu.Unlock()
}

func (c *Credentials) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

func (c *Credentials) Configured() bool {
	return c.APIKey() != ""
}
