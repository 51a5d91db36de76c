package router

import (
	"context"
	"strings"
	"sync"
)

// LocalRouter is an in-process MessageRouter for single-binary development
// runs and tests. Delivery is best effort: a full subscriber channel drops the
// message, as core NATS does for slow consumers. Durable and dedup options are
// accepted and ignored.
type LocalRouter struct {
	mu     sync.Mutex
	subs   map[int]*localSub
	nextID int
}

type localSub struct {
	pattern string
	ch      chan *Message
}

// NewLocalRouter returns an empty LocalRouter.
func NewLocalRouter() *LocalRouter {
	return &LocalRouter{subs: make(map[int]*localSub)}
}

func (r *LocalRouter) Publish(_ context.Context, subject string, data []byte, _ ...PubOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if !subjectMatches(s.pattern, subject) {
			continue
		}
		msg := &Message{Subject: subject, Data: append([]byte(nil), data...)}
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

func (r *LocalRouter) Subscribe(ctx context.Context, subject string, _ ...SubOptions) (<-chan *Message, error) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	s := &localSub{pattern: subject, ch: make(chan *Message, 256)}
	r.subs[id] = s
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(s.ch)
		}
		r.mu.Unlock()
	}()
	return s.ch, nil
}

func (r *LocalRouter) EnsureStream(context.Context, string, []string) error { return nil }

// Close ends every subscription.
func (r *LocalRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.subs {
		close(s.ch)
		delete(r.subs, id)
	}
	return nil
}

// subjectMatches implements NATS wildcard matching: "*" matches one token,
// a trailing ">" matches one or more tokens.
func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// Connect returns a NATSRouter for url, or a LocalRouter when url is empty.
func Connect(url, name string) (MessageRouter, error) {
	if url == "" {
		return NewLocalRouter(), nil
	}
	r, err := NewNATSRouter(url, name)
	if err != nil {
		return nil, err
	}
	return r, nil
}
