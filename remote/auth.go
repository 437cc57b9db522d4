package remote

import (
	"container/list"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
)

const (
	defaultAuthHeaderCacheTTL     = time.Minute
	defaultAuthHeaderCacheMaxSize = 100
)

// StaticCredentials returns a credential store with a single static
// username and password for registry.
func StaticCredentials(registry, username, password string) credentials.Store {
	return &staticStore{
		registry: normalizeServerAddress(registry),
		cred:     auth.Credential{Username: username, Password: password},
	}
}

// StaticToken returns a credential store with a bearer token for registry.
func StaticToken(registry, token string) credentials.Store {
	return &staticStore{
		registry: normalizeServerAddress(registry),
		cred:     auth.Credential{AccessToken: token},
	}
}

type staticStore struct {
	registry string
	cred     auth.Credential
}

func (s *staticStore) Get(_ context.Context, serverAddress string) (auth.Credential, error) {
	if normalizeServerAddress(serverAddress) == s.registry {
		return s.cred, nil
	}
	return auth.EmptyCredential, nil
}

func (s *staticStore) Put(context.Context, string, auth.Credential) error {
	return errors.New("static credential store is read-only")
}

func (s *staticStore) Delete(context.Context, string) error {
	return errors.New("static credential store is read-only")
}

// normalizeServerAddress strips the scheme and path from addr, keeping the
// port for credential matching.
func normalizeServerAddress(addr string) string {
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	addr, _, _ = strings.Cut(addr, "/")
	return addr
}

func isEmptyCredential(cred auth.Credential) bool {
	return cred == auth.EmptyCredential ||
		(cred.Username == "" && cred.Password == "" && cred.AccessToken == "" && cred.RefreshToken == "")
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// authHeaderCache is an LRU of Authorization header values per host with TTL
// expiration. Range reads open one source per blob, and each needs headers.
type authHeaderCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	now     func() time.Time
}

type cachedAuthHeader struct {
	host    string
	value   string
	expires time.Time
}

func newAuthHeaderCache(ttl time.Duration, maxSize int) *authHeaderCache {
	if ttl <= 0 {
		return nil
	}
	if maxSize <= 0 {
		maxSize = defaultAuthHeaderCacheMaxSize
	}
	return &authHeaderCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func (c *authHeaderCache) get(host string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[host]
	if !ok {
		return "", false
	}
	entry := elem.Value.(*cachedAuthHeader) //nolint:errcheck // type is guaranteed by set
	if c.now().After(entry.expires) {
		c.removeLocked(elem, host)
		return "", false
	}
	c.order.MoveToFront(elem)
	return entry.value, true
}

func (c *authHeaderCache) set(host, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[host]; ok {
		entry := elem.Value.(*cachedAuthHeader) //nolint:errcheck // type is guaranteed
		entry.value = value
		entry.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}
	for c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		c.removeLocked(oldest, oldest.Value.(*cachedAuthHeader).host) //nolint:errcheck // type is guaranteed
	}
	c.entries[host] = c.order.PushFront(&cachedAuthHeader{
		host:    host,
		value:   value,
		expires: c.now().Add(c.ttl),
	})
}

func (c *authHeaderCache) invalidate(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[host]; ok {
		c.removeLocked(elem, host)
	}
}

// removeLocked must be called with c.mu held.
func (c *authHeaderCache) removeLocked(elem *list.Element, host string) {
	c.order.Remove(elem)
	delete(c.entries, host)
}
