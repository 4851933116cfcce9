package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	xerrors "OpenCRM-Dialog/internal/errors"
)

func TestAddMessageBoundsHistory(t *testing.T) {
	sess := New("u1", "c1")
	sess.SetLimits(3, 0)
	for i := 0; i < 5; i++ {
		sess.AddMessage(RoleUser, fmt.Sprintf("m%d", i))
	}
	if len(sess.History) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(sess.History))
	}
	if sess.History[0].Content != "m2" || sess.History[2].Content != "m4" {
		t.Fatalf("unexpected history window: %+v", sess.History)
	}
}

func TestTrackEntityDedupesAndBounds(t *testing.T) {
	sess := New("u1", "c1")
	sess.SetLimits(0, 2)
	sess.TrackEntity(TrackedEntity{Kind: KindContact, ID: "1", Label: "Ann"})
	sess.TrackEntity(TrackedEntity{Kind: KindContact, ID: "2", Label: "Bob"})
	sess.TrackEntity(TrackedEntity{Kind: KindContact, ID: "1", Label: "Ann Lee"})

	list := sess.Recent[KindContact]
	if len(list) != 2 {
		t.Fatalf("expected 2 recent contacts, got %d", len(list))
	}
	if list[0].ID != "1" || list[0].Label != "Ann Lee" || list[1].ID != "2" {
		t.Fatalf("unexpected order: %+v", list)
	}

	sess.TrackEntity(TrackedEntity{Kind: KindContact, ID: "3"})
	if got := sess.Recent[KindContact]; len(got) != 2 || got[1].ID != "1" {
		t.Fatalf("oldest entry should be evicted: %+v", got)
	}
}

func TestSetPendingConfirmationRejectsSecond(t *testing.T) {
	sess := New("u1", "c1")
	if err := sess.SetPendingConfirmation(&PendingConfirmation{ToolName: "contact.create"}); err != nil {
		t.Fatalf("first pending: %v", err)
	}
	if sess.Pending.ID == "" || sess.Pending.AccumulatedParams == nil {
		t.Fatalf("pending defaults not applied: %+v", sess.Pending)
	}
	err := sess.SetPendingConfirmation(&PendingConfirmation{ToolName: "deal.create"})
	if !errors.Is(err, ErrPendingExists) {
		t.Fatalf("expected ErrPendingExists, got %v", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodePendingConflict {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
	if sess.Pending.ToolName != "contact.create" {
		t.Fatalf("pending must be untouched, got %s", sess.Pending.ToolName)
	}

	cleared := sess.ClearPendingConfirmation()
	if cleared == nil || sess.Pending != nil {
		t.Fatalf("clear did not remove pending")
	}
}

func TestMergePendingNeverOverwritesWithEmpty(t *testing.T) {
	sess := New("u1", "c1")
	_ = sess.SetPendingConfirmation(&PendingConfirmation{
		ToolName:          "contact.create",
		AccumulatedParams: map[string]any{"name": "Jane Doe", "email": "jane@example.com"},
	})

	if _, ok := sess.MergePending("deal.create", map[string]any{"name": "x"}); ok {
		t.Fatalf("merge into a different tool must be rejected")
	}

	pending, ok := sess.MergePending("contact.create", map[string]any{
		"email":      "",
		"phone":      "555-0100",
		SuggestedKey: map[string]any{"company": "Acme"},
	})
	if !ok {
		t.Fatalf("merge failed")
	}
	if pending.AccumulatedParams["email"] != "jane@example.com" {
		t.Fatalf("empty value overwrote email: %v", pending.AccumulatedParams["email"])
	}
	if pending.AccumulatedParams["phone"] != "555-0100" {
		t.Fatalf("phone not merged")
	}
	if _, leaked := pending.AccumulatedParams[SuggestedKey]; leaked {
		t.Fatalf("suggested data must not be stored as a parameter")
	}
	if pending.SuggestedData["company"] != "Acme" {
		t.Fatalf("suggested data not captured: %+v", pending.SuggestedData)
	}
}

func TestFailureCounters(t *testing.T) {
	sess := New("u1", "c1")
	if sess.RecordFailure("email.send") != 1 || sess.RecordFailure("email.send") != 2 {
		t.Fatalf("unexpected failure count")
	}
	sess.ResetFailures("email.send")
	if sess.FailureCount("email.send") != 0 {
		t.Fatalf("failures not reset")
	}
}

func TestManagerPersistsOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore())

	err := mgr.Do(ctx, "u1", "c1", func(s *Session) error {
		s.AddMessage(RoleUser, "hello")
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}

	boom := errors.New("model down")
	err = mgr.Do(ctx, "u1", "c1", func(s *Session) error {
		s.AddMessage(RoleUser, "lost")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	snap, err := mgr.Snapshot(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.History) != 1 || snap.History[0].Content != "hello" {
		t.Fatalf("failed turn leaked into state: %+v", snap.History)
	}
}

func TestManagerSerializesTurnsPerSession(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(nil)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mgr.Do(ctx, "u1", "c1", func(s *Session) error {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				s.AddMessage(RoleUser, "turn")
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("turns overlapped: max concurrent %d", maxSeen)
	}
	snap, err := mgr.Snapshot(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.History) != 8 {
		t.Fatalf("expected 8 messages, got %d", len(snap.History))
	}
}

func TestManagerHonorsContextWhileWaiting(t *testing.T) {
	mgr := NewManager(nil)
	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = mgr.Do(context.Background(), "u1", "c1", func(*Session) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := mgr.Do(ctx, "u1", "c1", func(*Session) error { return nil })
	if xerrors.CodeOf(err) != xerrors.CodeSessionBusy {
		t.Fatalf("expected session busy, got %v", err)
	}
}

func TestManagerDropsIdleLocks(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(nil)
	for i := 0; i < 5; i++ {
		conv := fmt.Sprintf("c%d", i)
		if err := mgr.Do(ctx, "u1", conv, func(*Session) error { return nil }); err != nil {
			t.Fatalf("do %s: %v", conv, err)
		}
		if _, err := mgr.Snapshot(ctx, "u1", conv); err != nil {
			t.Fatalf("snapshot %s: %v", conv, err)
		}
	}

	hold := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Do(ctx, "u1", "busy", func(*Session) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := mgr.Do(waitCtx, "u1", "busy", func(*Session) error { return nil }); xerrors.CodeOf(err) != xerrors.CodeSessionBusy {
		t.Fatalf("expected session busy, got %v", err)
	}
	mgr.mu.Lock()
	held := len(mgr.locks)
	mgr.mu.Unlock()
	if held != 1 {
		t.Fatalf("expected only the held lock, got %d", held)
	}

	close(hold)
	<-done
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if len(mgr.locks) != 0 {
		t.Fatalf("idle locks retained: %d", len(mgr.locks))
	}
}

func TestManagerSavesCompletedTurnAfterCancel(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	err := mgr.Do(ctx, "u1", "c1", func(s *Session) error {
		s.AddMessage(RoleUser, "sent the email")
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	snap, err := mgr.Snapshot(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.History) != 1 {
		t.Fatalf("expected the completed turn to be saved, got %+v", snap.History)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sess := New("u1", "c1")
	sess.AddMessage(RoleUser, "hi")
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	sess.AddMessage(RoleUser, "unsaved")

	loaded, err := store.Load(ctx, sess.Key())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.History) != 1 {
		t.Fatalf("store shared memory with caller")
	}
	if _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
