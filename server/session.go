package server

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/alimasry/docloader/document"
	"github.com/alimasry/docloader/loader"
	"github.com/alimasry/docloader/paging"
	"github.com/alimasry/docloader/stream"
)

// Session serves one client: a paged query and a direct document load, both
// optional. All commands and outgoing messages go through Run.
type Session struct {
	hub    *Hub
	client *Client
	logger *zap.Logger

	query      *loader.Instance[Doc]
	queryState *stream.Subscription[loader.QueryState[Doc]]

	docs      *loader.DocumentLoader[Doc]
	docsState *stream.Subscription[paging.LoadingState[[]Doc]]
	docsColl  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	incoming chan ClientMessage
	failures chan error
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func newSession(h *Hub, c *Client) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		hub:      h,
		client:   c,
		logger:   h.logger.With(zap.String("client", c.ID)),
		ctx:      ctx,
		cancel:   cancel,
		incoming: make(chan ClientMessage, 64),
		failures: make(chan error, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run is the session's main loop. It serializes all commands.
func (s *Session) Run() {
	defer close(s.done)
	defer s.teardown()

	for {
		select {
		case msg := <-s.incoming:
			s.handle(msg)
		case st, ok := <-subscriptionC(s.queryState):
			if !ok {
				s.queryState = nil
				continue
			}
			s.client.sendMsg(loadingMessage(MsgState, st.Collection.Name(), st.State))
		case st, ok := <-subscriptionC(s.docsState):
			if !ok {
				s.docsState = nil
				continue
			}
			s.client.sendMsg(loadingMessage(MsgDocs, s.docsColl, st))
		case err := <-s.failures:
			s.client.sendError(err.Error())
		case <-s.stop:
			return
		}
	}
}

// subscriptionC returns nil for a missing subscription, which blocks the
// select case forever.
func subscriptionC[T any](sub *stream.Subscription[T]) <-chan T {
	if sub == nil {
		return nil
	}
	return sub.C()
}

func (s *Session) deliver(msg ClientMessage) {
	select {
	case s.incoming <- msg:
	case <-s.stop:
	}
}

// Close stops Run and waits for it.
func (s *Session) Close() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Session) handle(msg ClientMessage) {
	messagesCounter.WithLabelValues(msg.Type).Inc()
	switch msg.Type {
	case MsgQuery:
		s.handleQuery(msg)
	case MsgNext:
		if s.query == nil {
			s.client.sendError("no query")
			return
		}
		s.next(s.query)
	case MsgReset:
		if s.query == nil {
			s.client.sendError("no query")
			return
		}
		s.query.Reset()
	case MsgMaxPages:
		if s.query == nil {
			s.client.sendError("no query")
			return
		}
		s.query.SetMaxPages(msg.MaxPages)
	case MsgLoad:
		s.handleLoad(msg)
	default:
		s.client.sendError("unknown message type: " + msg.Type)
	}
}

func (s *Session) handleQuery(msg ClientMessage) {
	if msg.Collection == "" {
		s.client.sendError("query without collection")
		return
	}
	constraints, err := msg.Constraints()
	if err != nil {
		s.client.sendError("invalid query: " + err.Error())
		return
	}
	col, err := s.hub.Collection(msg.Collection)
	if err != nil {
		s.client.sendError("invalid query: " + err.Error())
		return
	}

	if s.query == nil {
		s.query = loader.NewInstance(col,
			loader.WithLogger(s.logger),
			loader.WithDebounce(s.hub.debounce),
		)
		s.queryState = s.query.QueryStates().Subscribe()
	} else {
		s.query.SetCollection(col)
	}
	s.query.SetConstraints(constraints...)
	s.query.SetItemsPerPage(msg.Limit)
	s.query.SetMaxPages(msg.MaxPages)
}

// next runs outside the loop since it waits for the debounce and the fetch.
func (s *Session) next(q *loader.Instance[Doc]) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := q.Next(s.ctx); err != nil {
			if errors.Is(err, loader.ErrDestroyed) || errors.Is(err, context.Canceled) {
				return
			}
			select {
			case s.failures <- err:
			case <-s.stop:
			}
		}
	}()
}

func (s *Session) handleLoad(msg ClientMessage) {
	if msg.Collection == "" {
		s.client.sendError("load without collection")
		return
	}
	if s.docs == nil || s.docsColl != msg.Collection {
		col, err := s.hub.Collection(msg.Collection)
		if err != nil {
			s.client.sendError("invalid load: " + err.Error())
			return
		}
		s.closeDocs()
		s.docs = loader.NewDocumentLoader(col,
			loader.WithDocumentLogger(s.logger),
			loader.WithDocumentContext(document.NoContext()),
		)
		s.docsState = s.docs.DataLoadingState().Subscribe()
		s.docsColl = msg.Collection
	}

	var err error
	switch {
	case len(msg.Keys) > 0:
		err = s.docs.SetKeys(msg.Keys)
	default:
		err = s.docs.SetIDs(msg.IDs)
	}
	if err != nil {
		s.client.sendError("invalid load: " + err.Error())
	}
}

func (s *Session) closeDocs() {
	if s.docsState != nil {
		s.docsState.Close()
		s.docsState = nil
	}
	if s.docs != nil {
		s.docs.Destroy()
		s.docs = nil
	}
}

func (s *Session) teardown() {
	s.cancel()
	if s.queryState != nil {
		s.queryState.Close()
	}
	if s.query != nil {
		s.query.Destroy()
	}
	s.closeDocs()
	s.wg.Wait()
}
