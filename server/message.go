package server

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/alimasry/docloader/paging"
	"github.com/alimasry/docloader/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message types exchanged over WebSocket.
const (
	// client to server
	MsgQuery    = "query"
	MsgNext     = "next"
	MsgReset    = "reset"
	MsgMaxPages = "maxPages"
	MsgLoad     = "load"

	// server to client
	MsgState = "state"
	MsgDocs  = "docs"
	MsgError = "error"
)

// WhereClause is the wire form of a where constraint.
type WhereClause struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// OrderClause is the wire form of an order-by constraint.
type OrderClause struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// ClientMessage is a message from client to server.
type ClientMessage struct {
	Type       string        `json:"type"`
	Collection string        `json:"collection,omitempty"`
	Where      []WhereClause `json:"where,omitempty"`
	OrderBy    []OrderClause `json:"orderBy,omitempty"`
	Limit      int           `json:"limit,omitempty"`
	MaxPages   int           `json:"maxPages,omitempty"`
	Keys       []string      `json:"keys,omitempty"`
	IDs        []string      `json:"ids,omitempty"`
}

var operators = map[string]store.Operator{
	string(store.OpEqual):            store.OpEqual,
	string(store.OpNotEqual):         store.OpNotEqual,
	string(store.OpLess):             store.OpLess,
	string(store.OpLessOrEqual):      store.OpLessOrEqual,
	string(store.OpGreater):          store.OpGreater,
	string(store.OpGreaterOrEqual):   store.OpGreaterOrEqual,
	string(store.OpIn):               store.OpIn,
	string(store.OpArrayContains):    store.OpArrayContains,
	string(store.OpArrayContainsAny): store.OpArrayContainsAny,
}

// Constraints converts the where and order-by clauses of a query message.
func (m ClientMessage) Constraints() ([]store.Constraint, error) {
	out := make([]store.Constraint, 0, len(m.Where)+len(m.OrderBy))
	for _, w := range m.Where {
		op, ok := operators[w.Op]
		if !ok {
			return nil, fmt.Errorf("unknown operator %q", w.Op)
		}
		if w.Field == "" {
			return nil, fmt.Errorf("where clause without field")
		}
		out = append(out, store.Where(w.Field, op, w.Value))
	}
	for _, o := range m.OrderBy {
		if o.Field == "" {
			return nil, fmt.Errorf("order clause without field")
		}
		dir := store.Asc
		if o.Desc {
			dir = store.Desc
		}
		out = append(out, store.OrderBy(o.Field, dir))
	}
	return out, nil
}

// Doc is a document as sent to clients.
type Doc struct {
	ID   string         `json:"id"`
	Key  string         `json:"key"`
	Data map[string]any `json:"data"`
}

// ServerMessage is a message from server to client.
type ServerMessage struct {
	Type       string `json:"type"`
	Collection string `json:"collection,omitempty"`
	Loading    bool   `json:"loading"`
	// Page is -1 until the first page loaded.
	Page    int    `json:"page"`
	Items   []Doc  `json:"items"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

func loadingMessage(typ, collection string, st paging.LoadingState[[]Doc]) ServerMessage {
	msg := ServerMessage{
		Type:       typ,
		Collection: collection,
		Loading:    st.Loading,
		Page:       st.Page,
		Items:      st.Value,
	}
	if st.Err != nil {
		msg.Error = st.Err.Error()
	}
	return msg
}
