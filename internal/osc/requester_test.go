package osc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goosc "github.com/hypebeast/go-osc/osc"
)

// fakeConn is an in-memory Conn. Each Send is recorded and optionally
// answered by the reply function, which runs synchronously on Send.
type fakeConn struct {
	mu       sync.Mutex
	sent     []*goosc.Message
	handlers map[string][]Handler
	reply    func(address string, args []any) *goosc.Message
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string][]Handler)}
}

func (c *fakeConn) Send(address string, args ...any) error {
	msg := goosc.NewMessage(address)
	if err := AppendArgs(msg, args...); err != nil {
		return err
	}

	c.mu.Lock()
	c.sent = append(c.sent, msg)
	reply := c.reply
	c.mu.Unlock()

	if reply != nil {
		if r := reply(address, msg.Arguments); r != nil {
			c.deliver(r)
		}
	}
	return nil
}

func (c *fakeConn) Subscribe(address string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[address] = append(c.handlers[address], h)
	idx := len(c.handlers[address]) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if hs, ok := c.handlers[address]; ok && idx < len(hs) {
			hs[idx] = func(*goosc.Message) {}
		}
	}
}

func (c *fakeConn) deliver(msg *goosc.Message) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[msg.Address]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestRequester_Query(t *testing.T) {
	t.Run("returns the reply on the queried address", func(t *testing.T) {
		conn := newFakeConn()
		conn.reply = func(address string, _ []any) *goosc.Message {
			msg := goosc.NewMessage(address)
			msg.Append(int32(4))
			msg.Append("four tracks")
			return msg
		}
		r := NewRequester(conn, time.Second)

		reply, err := r.Query(context.Background(), "/live/song/get/num_tracks")
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if n, err := Int(reply, 0); err != nil || n != 4 {
			t.Errorf("reply[0] = %v, want 4", reply[0])
		}
	})

	t.Run("times out when no reply arrives", func(t *testing.T) {
		conn := newFakeConn()
		r := NewRequester(conn, 20*time.Millisecond)

		_, err := r.Query(context.Background(), "/live/song/get/num_tracks")
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("Query() error = %v, want ErrTimeout", err)
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		conn := newFakeConn()
		r := NewRequester(conn, time.Minute)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := r.Query(ctx, "/live/test")
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Query() error = %v, want context.Canceled", err)
		}
	})

	t.Run("replies on other addresses are ignored", func(t *testing.T) {
		conn := newFakeConn()
		conn.reply = func(_ string, _ []any) *goosc.Message {
			return goosc.NewMessage("/live/unrelated")
		}
		r := NewRequester(conn, 20*time.Millisecond)

		_, err := r.Query(context.Background(), "/live/song/get/num_tracks")
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("Query() error = %v, want ErrTimeout", err)
		}
	})

	t.Run("queries on the same address are serialized", func(t *testing.T) {
		conn := newFakeConn()
		var inFlight, maxInFlight int
		var mu sync.Mutex
		conn.reply = func(address string, _ []any) *goosc.Message {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return goosc.NewMessage(address)
		}
		r := NewRequester(conn, time.Second)

		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := r.Query(context.Background(), "/live/device/get/parameters/value"); err != nil {
					t.Errorf("Query() error = %v", err)
				}
			}()
		}
		wg.Wait()

		mu.Lock()
		defer mu.Unlock()
		if maxInFlight != 1 {
			t.Errorf("max in-flight queries = %d, want 1", maxInFlight)
		}
	})
}

func TestRequester_Notify(t *testing.T) {
	conn := newFakeConn()
	r := NewRequester(conn, time.Second)

	if err := r.Notify("/live/device/start_listen/parameter/value", 0, 1, 2); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if conn.sentCount() != 1 {
		t.Fatalf("sent %d messages, want 1", conn.sentCount())
	}
}
