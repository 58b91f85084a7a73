// Package fakehost provides in-process stand-ins for the paired host and
// the relay, for tests and local demos. The host verifies real request
// signatures and speaks the realtime socket protocol. The relay performs
// the handshake and plays the host's side of the encrypted channel with a
// real key pair.
package fakehost

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Request is an API call received by a fake.
type Request struct {
	Method string
	Path   string
	Body   json.RawMessage
}

// Reply is the answer to a Request. When Stream is set the answer is
// streamed: as server-sent events by the host, as chunk batches by the
// relay.
type Reply struct {
	Status int
	Body   any
	Error  string
	Stream []any

	// Reverse sends relay chunk batches in reverse sequence order.
	Reverse bool
}

// Handler answers a Request.
type Handler func(req Request) Reply

// routes is a method+path handler table shared by the host and the relay.
type routes struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      []Request
}

func newRoutes() *routes {
	return &routes{handlers: make(map[string]Handler)}
}

func (r *routes) handle(method, path string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method+" "+path] = h
}

func (r *routes) serve(req Request) Reply {
	r.mu.Lock()
	r.log = append(r.log, req)
	h := r.handlers[req.Method+" "+req.Path]
	r.mu.Unlock()

	if h == nil {
		return Reply{Status: http.StatusNotFound, Error: "not found"}
	}
	reply := h(req)
	if reply.Status == 0 {
		reply.Status = http.StatusOK
	}
	return reply
}

func (r *routes) requests() []Request {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Request(nil), r.log...)
}

// JSON is a Handler that always answers 200 with body.
func JSON(body any) Handler {
	return func(Request) Reply {
		return Reply{Status: http.StatusOK, Body: body}
	}
}

// Echo is a Handler that answers with the request body.
func Echo() Handler {
	return func(req Request) Reply {
		return Reply{Status: http.StatusOK, Body: req.Body}
	}
}
