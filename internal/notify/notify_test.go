package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenCRM-Dialog/internal/errors"
)

type recordingDeliverer struct {
	mu   sync.Mutex
	got  []Notification
	fail bool
}

func (r *recordingDeliverer) Name() string { return "recording" }

func (r *recordingDeliverer) Deliver(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("boom")
	}
	r.got = append(r.got, n)
	return nil
}

func (r *recordingDeliverer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestSinkAndDispatcherDeliverNotifications(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queue := NewMemoryQueue(16)
	rec := &recordingDeliverer{}
	dispatcher := NewDispatcher(queue, NewFanout(rec, AuditDeliverer{}, nil), WithWorkerCount(2))

	done := make(chan error, 1)
	go func() { done <- dispatcher.Start(ctx) }()

	sink := NewQueueSink(queue)
	for i := 0; i < 5; i++ {
		sink.Notify(ctx, Notification{UserID: "u1", Tool: "email.send", Message: "Sending your email now."})
	}

	require.Eventually(t, func() bool { return rec.count() == 5 }, 3*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	first := rec.got[0]
	rec.mu.Unlock()
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())
	assert.Equal(t, "email.send", first.Tool)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSinkDoesNotBlockWhenQueueIsFull(t *testing.T) {
	queue := NewMemoryQueue(1)
	sink := NewQueueSink(queue, WithPublishTimeout(20*time.Millisecond))

	start := time.Now()
	for i := 0; i < 10; i++ {
		sink.Notify(context.Background(), Notification{UserID: "u1", Message: "hello"})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDispatcherSkipsMalformedPayloads(t *testing.T) {
	rec := &recordingDeliverer{}
	d := NewDispatcher(nil, rec)
	require.NoError(t, d.handle(context.Background(), []byte("not json")))
	assert.Equal(t, 0, rec.count())

	err := d.Start(context.Background())
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestFanoutJoinsErrors(t *testing.T) {
	fanout := NewFanout(&recordingDeliverer{fail: true}, &recordingDeliverer{})
	err := fanout.Deliver(context.Background(), Notification{ID: "n1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel recording")
}

func TestWebhookDeliverer(t *testing.T) {
	var received Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhookDeliverer(srv.URL+"/ok", time.Second)
	require.NoError(t, hook.Deliver(context.Background(), Notification{ID: "n1", UserID: "u1", Message: "hi"}))
	assert.Equal(t, "n1", received.ID)

	failing := NewWebhookDeliverer(srv.URL+"/fail", time.Second)
	err := failing.Deliver(context.Background(), Notification{ID: "n2"})
	assert.Equal(t, CodeNotifyDeliver, xerrors.CodeOf(err))

	assert.NoError(t, NewWebhookDeliverer("", 0).Deliver(context.Background(), Notification{}))
}

func TestMemoryQueueRejectsAfterClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	require.NoError(t, queue.Close())
	err := queue.Publish(context.Background(), []byte("{}"))
	assert.Equal(t, CodeNotifyPublish, xerrors.CodeOf(err))
}
