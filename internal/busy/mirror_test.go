package busy

import (
	"context"
	"errors"
	"testing"

	"listener-calls/internal/listeners"
)

type recorder struct {
	set, cleared []string
	err          error
}

func (r *recorder) Set(_ context.Context, id, callID string) error {
	r.set = append(r.set, id+"/"+callID)
	return r.err
}

func (r *recorder) Clear(_ context.Context, id, callID string) error {
	r.cleared = append(r.cleared, id+"/"+callID)
	return r.err
}

func (r *recorder) Reset(context.Context) (int, error) { return 2, r.err }

func TestDB_MirrorsListenerFlag(t *testing.T) {
	ctx := context.Background()
	repo := listeners.NewMemoryRepo(
		listeners.Listener{ID: "L1", UserID: "lu1"},
		listeners.Listener{ID: "L2", UserID: "lu2"},
	)
	m := DB{Store: repo}

	if err := m.Set(ctx, "lu1", "c1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	l, _ := repo.FindByUserID(ctx, "lu1")
	if !l.IsBusy {
		t.Fatalf("expected busy flag")
	}
	if err := m.Clear(ctx, "lu1", "c1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	l, _ = repo.FindByUserID(ctx, "lu1")
	if l.IsBusy {
		t.Fatalf("expected flag cleared")
	}

	_ = m.Set(ctx, "lu1", "c2")
	_ = m.Set(ctx, "lu2", "c3")
	n, err := m.Reset(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 resets, got %d err=%v", n, err)
	}
}

func TestMulti_AppliesAllAndJoinsErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	a := &recorder{}
	b := &recorder{err: boom}
	m := Multi{a, b}

	if err := m.Set(ctx, "lu1", "c1"); !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(a.set) != 1 || len(b.set) != 1 {
		t.Fatalf("every mirror must be applied")
	}
	if err := m.Clear(ctx, "lu1", "c1"); !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	n, err := m.Reset(ctx)
	if n != 4 || !errors.Is(err, boom) {
		t.Fatalf("unexpected reset result %d %v", n, err)
	}
	if err := (Multi{a}).Set(ctx, "lu2", "c2"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestRedis_RequiresClient(t *testing.T) {
	r := Redis{}
	if err := r.Set(context.Background(), "lu1", "c1"); err == nil {
		t.Fatalf("expected error without a client")
	}
	if r.ttl() != DefaultTTL {
		t.Fatalf("expected default ttl")
	}
	if key("lu1") != "busy:listener:lu1" {
		t.Fatalf("unexpected key %q", key("lu1"))
	}
}
