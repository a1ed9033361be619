package osc

import (
	"net"
	"testing"
	"time"

	goosc "github.com/hypebeast/go-osc/osc"
)

// pair binds two transports on loopback with the first sending to the
// second, so sends can be observed end to end over UDP.
func pair(t *testing.T) (sender, receiver *Transport) {
	t.Helper()

	receiver, err := NewTransport(0, "127.0.0.1", 1, nil)
	if err != nil {
		t.Fatalf("NewTransport(receiver) error = %v", err)
	}
	t.Cleanup(func() { receiver.Close() })

	port := receiver.LocalAddr().(*net.UDPAddr).Port
	sender, err = NewTransport(0, "127.0.0.1", port, nil)
	if err != nil {
		t.Fatalf("NewTransport(sender) error = %v", err)
	}
	t.Cleanup(func() { sender.Close() })

	return sender, receiver
}

func waitFor(t *testing.T, ch <-chan *goosc.Message) *goosc.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestTransport_SendReceive(t *testing.T) {
	sender, receiver := pair(t)

	got := make(chan *goosc.Message, 1)
	receiver.Subscribe("/live/test", func(msg *goosc.Message) {
		got <- msg
	})

	if err := sender.Send("/live/test", 42, "ok"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msg := waitFor(t, got)
	if n, err := Int(msg.Arguments, 0); err != nil || n != 42 {
		t.Errorf("argument 0 = %v, want 42", msg.Arguments[0])
	}
	if s, err := Str(msg.Arguments, 1); err != nil || s != "ok" {
		t.Errorf("argument 1 = %v, want ok", msg.Arguments[1])
	}
}

func TestTransport_Dispatch(t *testing.T) {
	tr, err := NewTransport(0, "127.0.0.1", 1, nil)
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	t.Run("multiple handlers share an address", func(t *testing.T) {
		a := make(chan *goosc.Message, 1)
		b := make(chan *goosc.Message, 1)
		unsubA := tr.Subscribe("/live/shared", func(msg *goosc.Message) { a <- msg })
		defer unsubA()
		unsubB := tr.Subscribe("/live/shared", func(msg *goosc.Message) { b <- msg })
		defer unsubB()

		tr.Dispatch(goosc.NewMessage("/live/shared"))
		waitFor(t, a)
		waitFor(t, b)
	})

	t.Run("unsubscribe removes exactly one registration", func(t *testing.T) {
		kept := make(chan *goosc.Message, 1)
		removed := make(chan *goosc.Message, 1)
		unsubKept := tr.Subscribe("/live/one", func(msg *goosc.Message) { kept <- msg })
		defer unsubKept()
		unsubRemoved := tr.Subscribe("/live/one", func(msg *goosc.Message) { removed <- msg })

		unsubRemoved()
		unsubRemoved() // idempotent

		tr.Dispatch(goosc.NewMessage("/live/one"))
		waitFor(t, kept)
		select {
		case <-removed:
			t.Error("removed handler still received a message")
		default:
		}
	})

	t.Run("bundles are flattened", func(t *testing.T) {
		got := make(chan *goosc.Message, 2)
		unsub := tr.Subscribe("/live/bundled", func(msg *goosc.Message) { got <- msg })
		defer unsub()

		bundle := goosc.NewBundle(time.Now())
		bundle.Append(goosc.NewMessage("/live/bundled"))
		nested := goosc.NewBundle(time.Now())
		nested.Append(goosc.NewMessage("/live/bundled"))
		bundle.Append(nested)

		tr.Dispatch(bundle)
		waitFor(t, got)
		waitFor(t, got)
	})

	t.Run("unhandled addresses are dropped", func(t *testing.T) {
		tr.Dispatch(goosc.NewMessage("/live/nobody"))
	})
}

func TestTransport_Close(t *testing.T) {
	tr, err := NewTransport(0, "127.0.0.1", 1, nil)
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
