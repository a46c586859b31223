package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/emliunix/bub/internal/model"
	bubsession "github.com/emliunix/bub/internal/session"
	"github.com/emliunix/bub/internal/tape"
)

type immediateInvoker struct{}

func (immediateInvoker) RunTools(ctx context.Context, messages []model.Message, tools []model.ToolSchema) (model.Result, error) {
	return model.Result{Kind: model.KindText, Text: "ok"}, nil
}

func newTestSession(t *testing.T, id string) *bubsession.Session {
	t.Helper()
	store, err := tape.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.CreateTape(id, ""); err != nil {
		t.Fatalf("create tape: %v", err)
	}
	loop := &bubsession.Loop{
		TapeID:  id,
		Store:   store,
		Router:  bubsession.NewRouter(),
		Invoker: immediateInvoker{},
	}
	return bubsession.NewSession(id, loop)
}

func TestShutdownStopsAcceptingAndDrains(t *testing.T) {
	sup := New(nil)
	sess := newTestSession(t, "s1")
	sup.Register(sess)

	if !sup.Accepting() {
		t.Fatal("should be accepting before shutdown")
	}

	if _, err := sess.HandleInput(context.Background(), "hi"); err != nil {
		t.Fatalf("handle input: %v", err)
	}

	sup.Shutdown(context.Background())

	if sup.Accepting() {
		t.Fatal("should not be accepting after shutdown")
	}

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not drain after shutdown")
	}
}

func TestResetSessionContextUnknownSession(t *testing.T) {
	sup := New(nil)
	if err := sup.ResetSessionContext("missing"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}
