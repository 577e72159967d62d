package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alimasry/docloader/document"
	"github.com/alimasry/docloader/loader"
	"github.com/alimasry/docloader/store"
)

// docConverter passes document data through untouched.
var docConverter = document.ConverterFunc[Doc]{
	From: func(snap store.Snapshot) (Doc, error) {
		return Doc{ID: snap.Ref.ID, Key: snap.Ref.Key(), Data: snap.Data}, nil
	},
	To: func(d Doc) (map[string]any, error) {
		return d.Data, nil
	},
}

// DefaultMaxCollections bounds the collections a hub keeps open.
const DefaultMaxCollections = 1024

// ErrTooManyCollections is returned by Hub.Collection once the bound is hit.
var ErrTooManyCollections = errors.New("too many collections")

// Hub owns one Session per connected client and the collections they query.
type Hub struct {
	store          store.Store
	logger         *zap.Logger
	debounce       time.Duration
	maxCollections int

	mu          sync.RWMutex
	sessions    map[string]*Session
	collections map[string]*document.Collection[Doc]

	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once
}

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// WithDebounce sets the query debounce of every session.
func WithDebounce(d time.Duration) HubOption {
	return func(h *Hub) { h.debounce = d }
}

// WithMaxCollections bounds the distinct collection names clients may open.
func WithMaxCollections(n int) HubOption {
	return func(h *Hub) { h.maxCollections = n }
}

func NewHub(st store.Store, opts ...HubOption) *Hub {
	h := &Hub{
		store:          st,
		logger:         zap.NewNop(),
		debounce:       loader.DefaultDebounce,
		maxCollections: DefaultMaxCollections,
		sessions:       make(map[string]*Session),
		collections:    make(map[string]*document.Collection[Doc]),
		register:       make(chan *Client, 64),
		unregister:     make(chan *Client, 64),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run is the hub's main loop. It returns after Stop, closing every session.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.handleUnregister(c)
		case <-h.stop:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.sessions))
			for _, s := range h.sessions {
				clients = append(clients, s.client)
			}
			h.mu.RUnlock()
			for _, c := range clients {
				h.handleUnregister(c)
			}
			return
		}
	}
}

// Stop ends Run.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Hub) handleRegister(c *Client) {
	s := newSession(h, c)
	h.mu.Lock()
	h.sessions[c.ID] = s
	h.mu.Unlock()

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	close(c.registered)

	sessionsGauge.Inc()
	h.logger.Debug("client connected", zap.String("client", c.ID))
	go s.Run()
}

func (h *Hub) handleUnregister(c *Client) {
	h.mu.Lock()
	s, ok := h.sessions[c.ID]
	delete(h.sessions, c.ID)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()

	s.Close()
	c.closeSend()
	sessionsGauge.Dec()
	h.logger.Debug("client disconnected", zap.String("client", c.ID))
}

// Collection returns the shared typed collection called name. Names are
// validated and at most maxCollections distinct ones are kept.
func (h *Hub) Collection(name string) (*document.Collection[Doc], error) {
	if err := store.ValidateCollection(name); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if col, ok := h.collections[name]; ok {
		return col, nil
	}
	if len(h.collections) >= h.maxCollections {
		h.logger.Warn("collection limit reached", zap.String("collection", name), zap.Int("limit", h.maxCollections))
		return nil, fmt.Errorf("collection %q: %w", name, ErrTooManyCollections)
	}
	col := document.NewCollection(h.store, name,
		document.WithConverter[Doc](docConverter),
		document.WithLogger[Doc](h.logger),
	)
	h.collections[name] = col
	return col, nil
}

// GetSession returns the session of a client, if connected.
func (h *Hub) GetSession(clientID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[clientID]
}
