package mem

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestDialListenRoundTrip(t *testing.T) {
	network := NewNetwork()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lt := network.Transport("node-a")
	listener, err := lt.Listen(ctx, "node-a", nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer listener.Close()

	payload := []byte("ping across the pipe")
	done := make(chan error, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, len(payload))
		if _, err := conn.Read(buf); err != nil {
			done <- err
			return
		}
		_, err = conn.Write(buf)
		done <- err
	}()

	dt := network.Transport("node-b")
	conn, err := dt.Dial(ctx, "node-a", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	echo := make([]byte, len(payload))
	if _, err := conn.Read(echo); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(echo, payload) {
		t.Error("echo mismatch")
	}
	if err := <-done; err != nil {
		t.Fatalf("server side failed: %v", err)
	}

	if conn.RemoteAddr().String() != "node-a" {
		t.Errorf("remote addr: got %s", conn.RemoteAddr())
	}
}

func TestDialUnknownAddress(t *testing.T) {
	network := NewNetwork()
	ctx := context.Background()
	if _, err := network.Transport("a").Dial(ctx, "nowhere", nil); err == nil {
		t.Error("dial to unknown address succeeded")
	}
}

func TestDialRuleSimulatesNAT(t *testing.T) {
	network := NewNetwork()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	listener, err := network.Transport("natted").Listen(ctx, "natted", nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer listener.Close()

	network.SetDialRule(func(from, to string) bool {
		return to != "natted"
	})

	if _, err := network.Transport("outside").Dial(ctx, "natted", nil); err == nil {
		t.Error("dial to NAT-restricted listener succeeded")
	}

	// The restricted node can still dial out.
	outLis, err := network.Transport("outside").Listen(ctx, "outside", nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer outLis.Close()
	go outLis.Accept(ctx)

	if _, err := network.Transport("natted").Dial(ctx, "outside", nil); err != nil {
		t.Errorf("outbound dial from NAT-restricted node failed: %v", err)
	}
}

func TestListenAddressCollision(t *testing.T) {
	network := NewNetwork()
	ctx := context.Background()
	tr := network.Transport("a")
	l, err := tr.Listen(ctx, "a", nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if _, err := tr.Listen(ctx, "a", nil); err == nil {
		t.Error("duplicate listen address accepted")
	}
	l.Close()
	if _, err := tr.Listen(ctx, "a", nil); err != nil {
		t.Errorf("re-listen after close failed: %v", err)
	}
}
