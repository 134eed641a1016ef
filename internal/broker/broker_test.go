package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/h1v3-io/hitl/internal/store"
	"github.com/h1v3-io/hitl/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) Notify(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []protocol.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newMockBroker(t *testing.T) (*Broker, *quartz.Mock, *recorder) {
	t.Helper()
	clk := quartz.NewMock(t)
	rec := &recorder{}
	b := New(store.NewMemoryStore(), WithClock(clk), WithListener(rec))
	t.Cleanup(b.Close)
	return b, clk, rec
}

func confirmParams(timeout time.Duration) CreateParams {
	return CreateParams{
		SessionID: "550e8400-e29b-41d4-a716-446655440000",
		Type:      protocol.WidgetConfirm,
		Input:     json.RawMessage(`{"title":"System Update Required"}`),
		Timeout:   timeout,
	}
}

func TestCreateVisibleImmediately(t *testing.T) {
	b, clk, rec := newMockBroker(t)

	req, err := b.Create(confirmParams(0))
	require.NoError(t, err)
	require.NotEmpty(t, req.ID)
	assert.Equal(t, 300, req.Timeout)
	assert.Equal(t, clk.Now().UTC().Add(300*time.Second), req.ExpiresAt)

	got, err := b.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusPending, got.Status)
	assert.Nil(t, got.Output)
	assert.Equal(t, []protocol.EventType{protocol.EventNewRequest}, rec.types())
}

func TestCreateDefaultsSession(t *testing.T) {
	b, _, _ := newMockBroker(t)
	p := confirmParams(0)
	p.SessionID = ""
	req, err := b.Create(p)
	require.NoError(t, err)
	assert.Equal(t, protocol.DefaultSessionID, req.SessionID)
}

func TestCreateRejectsMissingFields(t *testing.T) {
	b, _, _ := newMockBroker(t)

	_, err := b.Create(CreateParams{Input: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrInvalid)

	_, err = b.Create(CreateParams{Type: protocol.WidgetForm, Input: json.RawMessage(`null`)})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestIDsAreUnique(t *testing.T) {
	b, _, _ := newMockBroker(t)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		req, err := b.Create(confirmParams(0))
		require.NoError(t, err)
		require.False(t, seen[req.ID], "duplicate id %s", req.ID)
		seen[req.ID] = true
	}
}

func TestSubmitRoundTrip(t *testing.T) {
	b, _, rec := newMockBroker(t)
	req, err := b.Create(confirmParams(0))
	require.NoError(t, err)

	out := json.RawMessage(`{"approved":true,"timestamp":"2023-10-27T10:00:00Z"}`)
	answered, err := b.Submit(req.ID, out)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAnswered, answered.Status)

	got, err := b.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAnswered, got.Status)
	assert.JSONEq(t, string(out), string(got.Output))
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, []protocol.EventType{protocol.EventNewRequest, protocol.EventRequestCompleted}, rec.types())
}

func TestSecondSubmitRejected(t *testing.T) {
	b, _, _ := newMockBroker(t)
	req, err := b.Create(confirmParams(0))
	require.NoError(t, err)

	_, err = b.Submit(req.ID, json.RawMessage(`{"selected":"us-west-2"}`))
	require.NoError(t, err)

	cur, err := b.Submit(req.ID, json.RawMessage(`{"selected":"eu-central-1"}`))
	require.ErrorIs(t, err, ErrAlreadyFinal)
	require.NotNil(t, cur, "rejection should carry the decided outcome")
	assert.JSONEq(t, `{"selected":"us-west-2"}`, string(cur.Output))

	got, _ := b.Get(req.ID)
	assert.JSONEq(t, `{"selected":"us-west-2"}`, string(got.Output))
}

func TestSubmitInvalidOutputLeavesPending(t *testing.T) {
	b, _, _ := newMockBroker(t)
	req, err := b.Create(confirmParams(0))
	require.NoError(t, err)

	for _, raw := range []string{"", "null", "  "} {
		_, err := b.Submit(req.ID, json.RawMessage(raw))
		require.ErrorIs(t, err, ErrInvalid, "output %q", raw)
	}
	got, _ := b.Get(req.ID)
	assert.Equal(t, protocol.StatusPending, got.Status)
}

func TestUnknownID(t *testing.T) {
	b, _, _ := newMockBroker(t)
	ctx := testContext(t)

	_, err := b.Get("ghost")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = b.Wait(ctx, "ghost", time.Second)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = b.Submit("ghost", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = b.Expire("ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWaitAfterAnswerReturnsImmediately(t *testing.T) {
	b, _, _ := newMockBroker(t)
	ctx := testContext(t)
	req, _ := b.Create(confirmParams(0))
	b.Submit(req.ID, json.RawMessage(`{"approved":true}`))

	// The mock clock never advances, so a suspended Wait would hang here.
	got, err := b.Wait(ctx, req.ID, time.Minute)
	require.NoError(t, err)
	assert.JSONEq(t, `{"approved":true}`, string(got.Output))
}

func TestWaitWokenByAnswerBroadcast(t *testing.T) {
	b, _, _ := newMockBroker(t)
	ctx := testContext(t)
	req, err := b.Create(confirmParams(0))
	require.NoError(t, err)

	const waiters = 8
	results := make(chan *protocol.Request, waiters)
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			got, err := b.Wait(ctx, req.ID, time.Minute)
			errs <- err
			results <- got
		}()
	}
	require.Eventually(t, func() bool { return b.WaitingOn(req.ID) == waiters },
		5*time.Second, 5*time.Millisecond)

	_, err = b.Submit(req.ID, json.RawMessage(`{"data":{"username":"admin_user"}}`))
	require.NoError(t, err)

	for i := 0; i < waiters; i++ {
		require.NoError(t, <-errs)
		got := <-results
		assert.Equal(t, protocol.StatusAnswered, got.Status)
		assert.JSONEq(t, `{"data":{"username":"admin_user"}}`, string(got.Output))
	}
	assert.Equal(t, 0, b.Waiting())
}

func TestPollTimeoutLeavesRequestPending(t *testing.T) {
	b, clk, _ := newMockBroker(t)
	ctx := testContext(t)
	req, err := b.Create(confirmParams(0))
	require.NoError(t, err)

	trap := clk.Trap().NewTimer("broker", "wait")
	defer trap.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := b.Wait(ctx, req.ID, time.Second)
		errc <- err
	}()
	trap.MustWait(ctx).MustRelease(ctx)
	clk.Advance(time.Second).MustWait(ctx)
	require.ErrorIs(t, <-errc, ErrPollTimeout)

	got, err := b.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusPending, got.Status)

	// Waiting again after a local timeout is legal and sees the later answer.
	done := make(chan *protocol.Request, 1)
	go func() {
		got, _ := b.Wait(ctx, req.ID, time.Second)
		done <- got
	}()
	trap.MustWait(ctx).MustRelease(ctx)
	_, err = b.Submit(req.ID, json.RawMessage(`{"approved":false}`))
	require.NoError(t, err)
	got = <-done
	require.NotNil(t, got)
	assert.JSONEq(t, `{"approved":false}`, string(got.Output))
}

func TestExpiry(t *testing.T) {
	b, clk, rec := newMockBroker(t)
	ctx := testContext(t)
	req, err := b.Create(confirmParams(5 * time.Second))
	require.NoError(t, err)

	clk.Advance(5 * time.Second).MustWait(ctx)

	got, err := b.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusExpired, got.Status)
	assert.Nil(t, got.Output)

	got, err = b.Wait(ctx, req.ID, time.Minute)
	require.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, protocol.StatusExpired, got.Status)

	cur, err := b.Submit(req.ID, json.RawMessage(`{"approved":true}`))
	require.ErrorIs(t, err, ErrAlreadyFinal)
	assert.Equal(t, protocol.StatusExpired, cur.Status)

	got, _ = b.Get(req.ID)
	assert.Equal(t, protocol.StatusExpired, got.Status)
	assert.Nil(t, got.Output)
	assert.Equal(t, []protocol.EventType{protocol.EventNewRequest, protocol.EventRequestExpired}, rec.types())
}

func TestExpiryWakesWaiters(t *testing.T) {
	b, clk, _ := newMockBroker(t)
	ctx := testContext(t)
	req, err := b.Create(confirmParams(5 * time.Second))
	require.NoError(t, err)

	trap := clk.Trap().NewTimer("broker", "wait")
	defer trap.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := b.Wait(ctx, req.ID, time.Minute)
		errc <- err
	}()
	trap.MustWait(ctx).MustRelease(ctx)

	clk.Advance(5 * time.Second).MustWait(ctx)
	require.ErrorIs(t, <-errc, ErrExpired)
}

func TestAnswerCancelsExpiryTimer(t *testing.T) {
	b, clk, rec := newMockBroker(t)
	ctx := testContext(t)
	req, err := b.Create(confirmParams(5 * time.Second))
	require.NoError(t, err)

	_, err = b.Submit(req.ID, json.RawMessage(`{"approved":true}`))
	require.NoError(t, err)

	clk.Advance(5 * time.Second).MustWait(ctx)
	got, _ := b.Get(req.ID)
	assert.Equal(t, protocol.StatusAnswered, got.Status)
	assert.Len(t, rec.types(), 2)
}

func TestWaitHonorsContext(t *testing.T) {
	b, clk, _ := newMockBroker(t)
	req, err := b.Create(confirmParams(0))
	require.NoError(t, err)

	trap := clk.Trap().NewTimer("broker", "wait")
	defer trap.Close()

	ctx, cancel := context.WithCancel(testContext(t))
	errc := make(chan error, 1)
	go func() {
		_, err := b.Wait(ctx, req.ID, time.Minute)
		errc <- err
	}()
	trap.MustWait(testContext(t)).MustRelease(testContext(t))
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	got, _ := b.Get(req.ID)
	assert.Equal(t, protocol.StatusPending, got.Status)
}

func TestConcurrentAnswerAndExpireSingleOutcome(t *testing.T) {
	b := New(store.NewMemoryStore())
	defer b.Close()
	ctx := testContext(t)

	for round := 0; round < 50; round++ {
		req, err := b.Create(confirmParams(0))
		require.NoError(t, err)

		const waiters = 4
		seen := make(chan *protocol.Request, waiters)
		for i := 0; i < waiters; i++ {
			go func() {
				got, _ := b.Wait(ctx, req.ID, 5*time.Second)
				seen <- got
			}()
		}

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var err error
				if i%3 == 0 {
					_, err = b.Expire(req.ID)
				} else {
					_, err = b.Submit(req.ID, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
				}
				if err == nil {
					wins.Add(1)
				} else {
					assert.ErrorIs(t, err, ErrAlreadyFinal)
				}
			}(i)
		}
		wg.Wait()
		require.Equal(t, int32(1), wins.Load(), "round %d", round)

		final, err := b.Get(req.ID)
		require.NoError(t, err)
		for i := 0; i < waiters; i++ {
			got := <-seen
			require.NotNil(t, got)
			assert.Equal(t, final.Status, got.Status)
			assert.Equal(t, string(final.Output), string(got.Output))
		}
	}
}

func TestRecover(t *testing.T) {
	clk := quartz.NewMock(t)
	ctx := testContext(t)
	st := store.NewMemoryStore()
	now := clk.Now()

	overdue := &protocol.Request{
		ID: "overdue", Type: protocol.WidgetConfirm, Input: json.RawMessage(`{}`),
		Status: protocol.StatusPending, CreatedAt: now.Add(-10 * time.Minute), ExpiresAt: now.Add(-time.Minute),
	}
	live := &protocol.Request{
		ID: "live", Type: protocol.WidgetConfirm, Input: json.RawMessage(`{}`),
		Status: protocol.StatusPending, CreatedAt: now, ExpiresAt: now.Add(30 * time.Second),
	}
	require.NoError(t, st.Insert(overdue))
	require.NoError(t, st.Insert(live))

	b := New(st, WithClock(clk))
	defer b.Close()
	armed, expired, err := b.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, armed)
	assert.Equal(t, 1, expired)

	got, _ := b.Get("overdue")
	assert.Equal(t, protocol.StatusExpired, got.Status)

	clk.Advance(30 * time.Second).MustWait(ctx)
	got, _ = b.Get("live")
	assert.Equal(t, protocol.StatusExpired, got.Status)
}

func TestSweepKeepsRecentTerminalRequests(t *testing.T) {
	b, clk, _ := newMockBroker(t)
	ctx := testContext(t)

	old, _ := b.Create(confirmParams(0))
	b.Submit(old.ID, json.RawMessage(`{"approved":true}`))
	clk.Advance(2 * time.Hour).MustWait(ctx)

	recent, _ := b.Create(confirmParams(0))
	b.Expire(recent.ID)

	n, err := b.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = b.Get(old.ID)
	require.ErrorIs(t, err, ErrNotFound)
	got, err := b.Get(recent.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusExpired, got.Status)
}

func TestPollWindow(t *testing.T) {
	b := New(store.NewMemoryStore(), WithPollTimeouts(30*time.Second, 2*time.Minute))
	assert.Equal(t, 30*time.Second, b.PollWindow(0))
	assert.Equal(t, 10*time.Second, b.PollWindow(10*time.Second))
	assert.Equal(t, 2*time.Minute, b.PollWindow(time.Hour))
}

func TestEveryListenerNotified(t *testing.T) {
	first, second := &recorder{}, &recorder{}
	b := New(store.NewMemoryStore(), WithClock(quartz.NewMock(t)), WithListener(first), WithListener(nil), WithListener(second))
	t.Cleanup(b.Close)

	req, err := b.Create(confirmParams(0))
	require.NoError(t, err)
	_, err = b.Submit(req.ID, json.RawMessage(`{"approved":true}`))
	require.NoError(t, err)

	want := []protocol.EventType{protocol.EventNewRequest, protocol.EventRequestCompleted}
	assert.Equal(t, want, first.types())
	assert.Equal(t, want, second.types())
}

func TestWaitAfterCloseUnavailable(t *testing.T) {
	b, _, _ := newMockBroker(t)
	req, err := b.Create(confirmParams(0))
	require.NoError(t, err)
	b.Close()

	got, err := b.Wait(testContext(t), req.ID, time.Second)
	require.ErrorIs(t, err, ErrUnavailable)
	require.NotNil(t, got)
	assert.Equal(t, protocol.StatusPending, got.Status)
}

// gatedRecorder holds the new_request notification until proceed is closed.
type gatedRecorder struct {
	recorder
	entered chan string
	proceed chan struct{}
}

func (g *gatedRecorder) Notify(ev protocol.Event) {
	if ev.Type == protocol.EventNewRequest {
		g.entered <- ev.Request.ID
		<-g.proceed
	}
	g.recorder.Notify(ev)
}

func TestNewRequestEventPrecedesOutcome(t *testing.T) {
	rec := &gatedRecorder{entered: make(chan string, 1), proceed: make(chan struct{})}
	b := New(store.NewMemoryStore(), WithClock(quartz.NewMock(t)), WithListener(rec))
	t.Cleanup(b.Close)

	created := make(chan error, 1)
	go func() {
		_, err := b.Create(confirmParams(0))
		created <- err
	}()
	id := <-rec.entered

	submitted := make(chan error, 1)
	go func() {
		_, err := b.Submit(id, json.RawMessage(`{"approved":true}`))
		submitted <- err
	}()

	select {
	case err := <-submitted:
		require.Failf(t, "Submit announced before new_request was delivered", "err = %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(rec.proceed)
	require.NoError(t, <-created)
	require.NoError(t, <-submitted)
	assert.Equal(t, []protocol.EventType{protocol.EventNewRequest, protocol.EventRequestCompleted}, rec.types())
}
