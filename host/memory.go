package host

import (
	"fmt"
	"sync"
)

// MemoryStorage is an in-memory Storage implementation.
type MemoryStorage struct {
	mu sync.Mutex
	m  map[string]string
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{m: make(map[string]string)}
}

// Get returns the value for key and whether it was present.
func (s *MemoryStorage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

// Set stores value under key.
func (s *MemoryStorage) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

// Delete removes key.
func (s *MemoryStorage) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Bus is an in-process message transport connecting any number of contexts.
// It mimics the delivery and origin-tagging rules of a browser messaging
// channel: a posted message is delivered only to endpoints whose origin
// equals the target origin, stamped with the sender's origin.
type Bus struct {
	mu        sync.Mutex
	endpoints []*BusMessenger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Endpoint attaches a new messenger with the given origin to the bus.
func (b *Bus) Endpoint(origin string) *BusMessenger {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := &BusMessenger{
		bus:      b,
		origin:   origin,
		handlers: make(map[int]func(Incoming)),
	}
	b.endpoints = append(b.endpoints, m)
	return m
}

func (b *Bus) deliver(from *BusMessenger, targetOrigin string, msg Message) {
	b.mu.Lock()
	targets := make([]*BusMessenger, 0, len(b.endpoints))
	for _, e := range b.endpoints {
		if e != from && e.origin == targetOrigin {
			targets = append(targets, e)
		}
	}
	b.mu.Unlock()

	msg.Origin = from.origin
	for _, t := range targets {
		t.dispatch(msg, from)
	}
}

// BusMessenger is one context's endpoint on a Bus.
type BusMessenger struct {
	bus    *Bus
	origin string

	mu       sync.Mutex
	handlers map[int]func(Incoming)
	nextID   int
}

// Post sends a message to every endpoint whose origin is targetOrigin.
func (m *BusMessenger) Post(targetOrigin string, msg Message) error {
	m.bus.deliver(m, targetOrigin, msg)
	return nil
}

// Subscribe registers a handler for incoming messages.
func (m *BusMessenger) Subscribe(handler func(Incoming)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = handler
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

func (m *BusMessenger) dispatch(msg Message, source *BusMessenger) {
	m.mu.Lock()
	handlers := make([]func(Incoming), 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	in := Incoming{
		Message: msg,
		Reply: func(reply Message) error {
			// Replies go back to the source endpoint, targeted at the
			// origin it presented, matching event.source semantics.
			m.bus.deliver(m, source.origin, reply)
			return nil
		},
	}
	for _, h := range handlers {
		h(in)
	}
}

// MemoryEnvironment is an in-memory Environment for tests and non-browser
// hosts. Navigation and popups are recorded rather than performed.
type MemoryEnvironment struct {
	mu        sync.Mutex
	storage   *MemoryStorage
	messenger Messenger
	origin    string
	location  string
	opened    []string
	closed    bool
}

// NewMemoryEnvironment creates an environment for a context at the given
// origin and location, attached to the provided messenger.
func NewMemoryEnvironment(origin, location string, messenger Messenger) *MemoryEnvironment {
	return &MemoryEnvironment{
		storage:   NewMemoryStorage(),
		messenger: messenger,
		origin:    origin,
		location:  location,
	}
}

// Storage returns the environment's key-value store.
func (e *MemoryEnvironment) Storage() Storage {
	return e.storage
}

// LocationURL returns the current location.
func (e *MemoryEnvironment) LocationURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.location
}

// SetLocationURL updates the current location, simulating the provider
// redirecting back with return parameters.
func (e *MemoryEnvironment) SetLocationURL(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.location = url
}

// Navigate records the navigation and updates the location.
func (e *MemoryEnvironment) Navigate(url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.location = url
	return nil
}

// OpenContext records the popup URL and returns a closable handle.
func (e *MemoryEnvironment) OpenContext(url string) (Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opened = append(e.opened, url)
	return &memoryContext{}, nil
}

// OpenedURLs returns the URLs passed to OpenContext, in order.
func (e *MemoryEnvironment) OpenedURLs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.opened...)
}

// CloseSelf marks the context closed.
func (e *MemoryEnvironment) CloseSelf() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("context already closed")
	}
	e.closed = true
	return nil
}

// Closed reports whether CloseSelf was called.
func (e *MemoryEnvironment) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Messenger returns the environment's messaging endpoint.
func (e *MemoryEnvironment) Messenger() Messenger {
	return e.messenger
}

// Origin returns the context's origin.
func (e *MemoryEnvironment) Origin() string {
	return e.origin
}

type memoryContext struct {
	mu     sync.Mutex
	closed bool
}

func (c *memoryContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
