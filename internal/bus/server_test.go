package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/emliunix/bub/internal/busclient"
	"github.com/emliunix/bub/internal/transport"
)

func newTestClient(t *testing.T, ctx context.Context, s *Server, clientID string) *busclient.Client {
	t.Helper()
	serverSide, clientSide := transport.NewMemoryPair()
	go s.HandleConn(ctx, serverSide)

	c := busclient.New(nil, clientID, func(ctx context.Context) (transport.Conn, error) {
		return clientSide, nil
	}, false)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect %s: %v", clientID, err)
	}
	return c
}

// TestEchoViaBus exercises spec.md §8 end-to-end scenario 1.
func TestEchoViaBus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := NewServer(nil)

	type received struct {
		topic string
		text  string
	}
	recvCh := make(chan received, 1)

	a := newTestClient(t, ctx, s, "agent:echo")
	if err := a.Subscribe(ctx, "inbound:*", func(topicStr string, payload json.RawMessage) {
		var msg struct {
			Content struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		_ = json.Unmarshal(payload, &msg)
		recvCh <- received{topic: topicStr, text: msg.Content.Text}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b := newTestClient(t, ctx, s, "tg:42")

	delivered, err := b.SendMessage(ctx, "inbound:42", map[string]interface{}{
		"type":    "tg_message",
		"content": map[string]interface{}{"text": "hi"},
	})
	if err != nil {
		t.Fatalf("sendMessage: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}

	select {
	case r := <-recvCh:
		if r.topic != "inbound:42" || r.text != "hi" {
			t.Fatalf("received = %+v", r)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivery")
	}
}

// TestSendMessageNoSubscribersIsSuccessful checks that a zero-recipient
// sendMessage is a successful, non-error outcome (spec.md §4.2).
func TestSendMessageNoSubscribersIsSuccessful(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := NewServer(nil)
	c := newTestClient(t, ctx, s, "lonely")

	delivered, err := c.SendMessage(ctx, "inbound:1", map[string]interface{}{"type": "x", "content": map[string]interface{}{}})
	if err != nil {
		t.Fatalf("sendMessage: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("delivered = %d, want 0", delivered)
	}
}

// TestPatternMatchingIsolation verifies I4: publish delivers to every
// matching subscription and no others.
func TestPatternMatchingIsolation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := NewServer(nil)

	var mu sync.Mutex
	var gotA, gotB bool

	a := newTestClient(t, ctx, s, "a")
	_ = a.Subscribe(ctx, "tg:*", func(string, json.RawMessage) {
		mu.Lock()
		gotA = true
		mu.Unlock()
	})
	b := newTestClient(t, ctx, s, "b")
	_ = b.Subscribe(ctx, "discord:*", func(string, json.RawMessage) {
		mu.Lock()
		gotB = true
		mu.Unlock()
	})

	sender := newTestClient(t, ctx, s, "sender")
	if _, err := sender.SendMessage(ctx, "tg:1", map[string]interface{}{"type": "x", "content": map[string]interface{}{}}); err != nil {
		t.Fatalf("sendMessage: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if !gotA {
		t.Error("expected tg:* subscriber to receive tg:1")
	}
	if gotB {
		t.Error("expected discord:* subscriber to not receive tg:1")
	}
}
