//go:build !js && !wasm
// +build !js,!wasm

package kv

import (
	"sync"
)

// memStore is the native stand-in for browser web storage. Contents live for
// the process lifetime, which matches sessionStorage semantics; localStorage
// durability only exists on js/wasm builds.
type memStore struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{m: map[string][]byte{}}
}

var (
	localStore   = newMemStore()
	sessionStore = newMemStore()
)

// Local returns the process-wide stand-in for localStorage.
func Local() Store { return localStore }

// Session returns the process-wide stand-in for sessionStorage.
func Session() Store { return sessionStore }

func (s *memStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *memStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}
