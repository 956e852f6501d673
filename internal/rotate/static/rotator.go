// Package static provides a Rotator over a fixed address list, for
// development and tests.
package static

import (
	"context"
	"fmt"
	"sync"
)

// Rotator cycles each slot through a shared list of addresses. Slots start
// offset from each other so fresh slots do not collide.
type Rotator struct {
	mu        sync.Mutex
	addresses []string
	proxyURLs []string
	cursor    map[int]int
}

// New builds a Rotator. proxyURLs may be shorter than the slot count; out
// of range slots get no proxy (direct egress).
func New(addresses, proxyURLs []string) (*Rotator, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("at least one address is required")
	}
	return &Rotator{
		addresses: append([]string(nil), addresses...),
		proxyURLs: append([]string(nil), proxyURLs...),
		cursor:    make(map[int]int),
	}, nil
}

// Address returns the slot's current address.
func (r *Rotator) Address(_ context.Context, slot int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addressLocked(slot), nil
}

// Rotate advances the slot to its next address and returns it.
func (r *Rotator) Rotate(_ context.Context, slot int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor[slot]++
	return r.addressLocked(slot), nil
}

// ProxyURL returns the slot's proxy endpoint, or "" for direct egress.
func (r *Rotator) ProxyURL(slot int) string {
	if slot < 0 || slot >= len(r.proxyURLs) {
		return ""
	}
	return r.proxyURLs[slot]
}

func (r *Rotator) addressLocked(slot int) string {
	idx := (slot + r.cursor[slot]) % len(r.addresses)
	return r.addresses[idx]
}
