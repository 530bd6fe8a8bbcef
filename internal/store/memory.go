package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Memory is an in-process implementation of both store contracts, used for
// hot-seat play and tests. Writes fan out synchronously to every
// subscriber, including the writer's own subscription, which reproduces the
// echo behavior clients must suppress.
type Memory struct {
	mu        sync.Mutex
	docs      map[string]json.RawMessage
	docSubs   map[string]map[int]func(json.RawMessage)
	ephemeral map[string]json.RawMessage
	valueSubs map[int]*valueSub
	onDisc    []string
	nextSub   int
}

type valueSub struct {
	prefix string
	cb     func(path string, value json.RawMessage)
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:      make(map[string]json.RawMessage),
		docSubs:   make(map[string]map[int]func(json.RawMessage)),
		ephemeral: make(map[string]json.RawMessage),
		valueSubs: make(map[int]*valueSub),
	}
}

// Get implements DocumentStore.
func (m *Memory) Get(ctx context.Context, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

// Set implements DocumentStore.
func (m *Memory) Set(ctx context.Context, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", key, err)
	}

	m.mu.Lock()
	m.docs[key] = data
	var cbs []func(json.RawMessage)
	for _, cb := range m.docSubs[key] {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(data)
	}
	return nil
}

// Delete implements DocumentStore.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.docs, key)
	m.mu.Unlock()
	return nil
}

// Subscribe implements DocumentStore. The current document, if any, is
// delivered before Subscribe returns.
func (m *Memory) Subscribe(key string, cb func(json.RawMessage)) (func(), error) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	if m.docSubs[key] == nil {
		m.docSubs[key] = make(map[int]func(json.RawMessage))
	}
	m.docSubs[key][id] = cb
	current, ok := m.docs[key]
	m.mu.Unlock()

	if ok {
		cb(current)
	}

	unsubscribe := func() {
		m.mu.Lock()
		delete(m.docSubs[key], id)
		m.mu.Unlock()
	}
	return unsubscribe, nil
}

func (m *Memory) setEphemeral(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal ephemeral %s: %w", path, err)
	}

	m.mu.Lock()
	m.ephemeral[path] = data
	subs := m.matchingSubs(path)
	m.mu.Unlock()

	for _, cb := range subs {
		cb(path, data)
	}
	return nil
}

func (m *Memory) removeEphemeral(path string) {
	m.mu.Lock()
	_, existed := m.ephemeral[path]
	delete(m.ephemeral, path)
	var subs []func(string, json.RawMessage)
	if existed {
		subs = m.matchingSubs(path)
	}
	m.mu.Unlock()

	for _, cb := range subs {
		cb(path, nil)
	}
}

// matchingSubs returns callbacks whose prefix covers path. Caller holds mu.
func (m *Memory) matchingSubs(path string) []func(string, json.RawMessage) {
	var subs []func(string, json.RawMessage)
	for _, s := range m.valueSubs {
		if pathUnder(path, s.prefix) {
			subs = append(subs, s.cb)
		}
	}
	return subs
}

func pathUnder(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Ephemeral returns the EphemeralStore view of this memory store.
func (m *Memory) Ephemeral() EphemeralStore {
	return (*memoryEphemeral)(m)
}

// TriggerDisconnect simulates the store observing this client's connection
// drop: every path registered via OnDisconnectRemove is removed.
func (m *Memory) TriggerDisconnect() {
	m.mu.Lock()
	paths := m.onDisc
	m.onDisc = nil
	m.mu.Unlock()

	for _, path := range paths {
		m.removeEphemeral(path)
	}
}

// memoryEphemeral adapts Memory to the EphemeralStore interface.
type memoryEphemeral Memory

func (e *memoryEphemeral) Set(ctx context.Context, path string, value any) error {
	return (*Memory)(e).setEphemeral(path, value)
}

func (e *memoryEphemeral) Remove(ctx context.Context, path string) error {
	(*Memory)(e).removeEphemeral(path)
	return nil
}

func (e *memoryEphemeral) OnValue(pathPrefix string, cb func(path string, value json.RawMessage)) (func(), error) {
	m := (*Memory)(e)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.valueSubs[id] = &valueSub{prefix: pathPrefix, cb: cb}

	type initial struct {
		path string
		data json.RawMessage
	}
	var current []initial
	for path, data := range m.ephemeral {
		if pathUnder(path, pathPrefix) {
			current = append(current, initial{path, data})
		}
	}
	m.mu.Unlock()

	for _, v := range current {
		cb(v.path, v.data)
	}

	unsubscribe := func() {
		m.mu.Lock()
		delete(m.valueSubs, id)
		m.mu.Unlock()
	}
	return unsubscribe, nil
}

func (e *memoryEphemeral) OnDisconnectRemove(path string) error {
	m := (*Memory)(e)
	m.mu.Lock()
	m.onDisc = append(m.onDisc, path)
	m.mu.Unlock()
	return nil
}
