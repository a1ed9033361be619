// Package osc provides the UDP transport and request/response layer for
// talking to the DAW's OSC remote script.
//
// The remote script is a plain OSC peer: requests are sent to its UDP port
// and replies come back on a separate port this server listens on, addressed
// with the same OSC address as the request. Push notifications (parameter
// changes) arrive on the same listening socket. [Transport] owns both
// sockets and fans incoming messages out to registered handlers;
// [Requester] layers query semantics on top.
package osc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	goosc "github.com/hypebeast/go-osc/osc"
)

// Handler receives a single incoming OSC message. Handlers run on the
// transport's receive goroutine and must not block.
type Handler func(msg *goosc.Message)

// Compile-time check that Transport satisfies the go-osc dispatcher contract.
var _ goosc.Dispatcher = (*Transport)(nil)

// Transport is a bidirectional OSC endpoint over UDP. Outgoing messages go
// to a fixed remote host/port; incoming messages are dispatched to every
// handler registered for their address. Multiple handlers may share one
// address and each can be removed independently, which is what lets one-shot
// query handlers coexist with long-lived push subscriptions.
//
// All methods are safe for concurrent use.
type Transport struct {
	client *goosc.Client
	server *goosc.Server
	conn   net.PacketConn
	log    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	nextID   int
	closed   bool

	done chan struct{}
}

// NewTransport binds a UDP socket on localPort and prepares a client for
// sending to remoteHost:remotePort. The receive loop starts immediately.
// Callers must Close the transport when done.
func NewTransport(localPort int, remoteHost string, remotePort int, log *slog.Logger) (*Transport, error) {
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", localPort))
	if err != nil {
		return nil, fmt.Errorf("osc: listen udp :%d: %w", localPort, err)
	}

	if log == nil {
		log = slog.Default()
	}
	t := &Transport{
		client:   goosc.NewClient(remoteHost, remotePort),
		conn:     conn,
		log:      log.With("component", "osc"),
		handlers: make(map[string]map[int]Handler),
		done:     make(chan struct{}),
	}
	t.server = &goosc.Server{Dispatcher: t}

	go t.serve()
	return t, nil
}

// LocalAddr returns the bound address of the receive socket.
func (t *Transport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// serve runs the receive loop until the socket is closed.
func (t *Transport) serve() {
	defer close(t.done)
	err := t.server.Serve(t.conn)

	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if err != nil && !closed {
		t.log.Error("receive loop terminated", "err", err)
	}
}

// Dispatch implements [goosc.Dispatcher]. Bundles are flattened; nested
// bundle timetags are ignored since the remote script never uses them.
func (t *Transport) Dispatch(packet goosc.Packet) {
	switch p := packet.(type) {
	case *goosc.Message:
		t.deliver(p)
	case *goosc.Bundle:
		for _, msg := range p.Messages {
			t.deliver(msg)
		}
		for _, nested := range p.Bundles {
			t.Dispatch(nested)
		}
	}
}

// deliver invokes every handler registered for the message address.
func (t *Transport) deliver(msg *goosc.Message) {
	t.mu.RLock()
	registered := t.handlers[msg.Address]
	hs := make([]Handler, 0, len(registered))
	for _, h := range registered {
		hs = append(hs, h)
	}
	t.mu.RUnlock()

	if len(hs) == 0 {
		t.log.Debug("unhandled message", "address", msg.Address)
		return
	}
	for _, h := range hs {
		h(msg)
	}
}

// Subscribe registers h for all incoming messages on address and returns a
// function that removes exactly this registration. Unsubscribing is
// idempotent.
func (t *Transport) Subscribe(address string, h Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	if t.handlers[address] == nil {
		t.handlers[address] = make(map[int]Handler)
	}
	t.handlers[address][id] = h

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if hs, ok := t.handlers[address]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(t.handlers, address)
			}
		}
	}
}

// Send builds an OSC message for address and transmits it to the remote
// endpoint. Arguments are coerced to OSC wire types; see [AppendArgs] for
// the accepted Go types.
func (t *Transport) Send(address string, args ...any) error {
	msg := goosc.NewMessage(address)
	if err := AppendArgs(msg, args...); err != nil {
		return fmt.Errorf("osc: send %s: %w", address, err)
	}
	if err := t.client.Send(msg); err != nil {
		return fmt.Errorf("osc: send %s: %w", address, err)
	}
	return nil
}

// Close shuts down the receive socket and waits for the receive loop to
// exit. Registered handlers are discarded.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handlers = make(map[string]map[int]Handler)
	t.mu.Unlock()

	err := t.conn.Close()
	<-t.done
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("osc: close: %w", err)
	}
	return nil
}
