package simulator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/hitl/internal/console"
	"github.com/h1v3-io/hitl/pkg/protocol"
)

type submission struct {
	id     string
	output string
}

type fakeAPI struct {
	mu        sync.Mutex
	types     map[string]protocol.WidgetType
	getErr    map[string]error
	submitted []submission
	gets      int
}

func (f *fakeAPI) GetRequest(_ context.Context, id string) (*protocol.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	return &protocol.Request{ID: id, Type: f.types[id], Status: protocol.StatusPending}, nil
}

func (f *fakeAPI) SubmitResponse(_ context.Context, id string, output any) (*protocol.Request, error) {
	b, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, submission{id, string(b)})
	return &protocol.Request{ID: id, Status: protocol.StatusAnswered, Output: b}, nil
}

func TestCannedAnswers(t *testing.T) {
	cases := map[protocol.WidgetType]string{
		protocol.WidgetConfirm: `{"approved":true,"timestamp":"2023-10-27T10:00:00Z"}`,
		protocol.WidgetSelect:  `{"selected":"us-west-2"}`,
		protocol.WidgetForm:    `{"data":{"accessLevel":5,"email":"admin@example.com","username":"admin_user"}}`,
	}
	for typ, want := range cases {
		out, ok := CannedAnswer(typ)
		require.True(t, ok, typ)
		b, err := json.Marshal(out)
		require.NoError(t, err)
		assert.JSONEq(t, want, string(b), typ)
	}

	_, ok := CannedAnswer("table")
	assert.False(t, ok)
}

func TestRunAnswersEachIDOnce(t *testing.T) {
	api := &fakeAPI{types: map[string]protocol.WidgetType{
		"a1": protocol.WidgetConfirm,
		"b2": protocol.WidgetSelect,
	}}
	sim := New(api, WithDelay(0))

	input := strings.Join([]string{
		"=== Step 1 ===",
		"[CLI] Request created: a1",
		"[CLI] Request created: a1",
		"noise Request created: a1 again",
		"[CLI] Request created: b2",
	}, "\n")
	require.NoError(t, sim.Run(context.Background(), strings.NewReader(input)))

	assert.Equal(t, []string{"a1", "b2"}, sim.Handled())
	require.Len(t, api.submitted, 2)
	assert.Equal(t, "a1", api.submitted[0].id)
	assert.JSONEq(t, `{"approved":true,"timestamp":"2023-10-27T10:00:00Z"}`, api.submitted[0].output)
	assert.Equal(t, "b2", api.submitted[1].id)
	assert.JSONEq(t, `{"selected":"us-west-2"}`, api.submitted[1].output)
	assert.Equal(t, 2, api.gets)
}

func TestRunContinuesAfterFailure(t *testing.T) {
	api := &fakeAPI{
		types:  map[string]protocol.WidgetType{"ok": protocol.WidgetForm, "odd": "table"},
		getErr: map[string]error{"bad": errors.New("connection reset")},
	}
	console.ConfigureColorProfile("never")
	var out bytes.Buffer
	sim := New(api, WithDelay(0), WithOutput(console.NewPrinter(&out, "Test")))

	input := "Request created: bad\nRequest created: odd\nRequest created: ok\n"
	require.NoError(t, sim.Run(context.Background(), strings.NewReader(input)))

	require.Len(t, api.submitted, 1)
	assert.Equal(t, "ok", api.submitted[0].id)
	assert.Contains(t, out.String(), "connection reset")
	assert.Contains(t, out.String(), `no canned answer for type "table"`)
	assert.Contains(t, out.String(), "[CLI Output] Request created: ok")

	// A failed ID stays claimed.
	require.NoError(t, sim.Run(context.Background(), strings.NewReader("Request created: bad\n")))
	assert.Len(t, api.submitted, 1)
}

func TestRunWaitsDelayBeforeAnswering(t *testing.T) {
	api := &fakeAPI{types: map[string]protocol.WidgetType{"x": protocol.WidgetConfirm}}
	sim := New(api, WithDelay(100*time.Millisecond))

	start := time.Now()
	require.NoError(t, sim.Run(context.Background(), strings.NewReader("Request created: x\n")))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Len(t, api.submitted, 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	api := &fakeAPI{types: map[string]protocol.WidgetType{"x": protocol.WidgetConfirm}}
	sim := New(api, WithDelay(time.Hour))
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx, pr) }()

	pw.Write([]byte("Request created: x\n"))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Empty(t, api.submitted)
}

func TestRunSurvivesOverlongLine(t *testing.T) {
	api := &fakeAPI{types: map[string]protocol.WidgetType{
		"head":  protocol.WidgetConfirm,
		"after": protocol.WidgetSelect,
	}}
	sim := New(api, WithDelay(0))

	input := "Request created: head " + strings.Repeat("x", 70<<10) + "\r\n" +
		strings.Repeat("y", 200<<10) + "\n" +
		"Request created: after"
	require.NoError(t, sim.Run(context.Background(), strings.NewReader(input)))

	assert.Equal(t, []string{"head", "after"}, sim.Handled())
	require.Len(t, api.submitted, 2)
	assert.Equal(t, "after", api.submitted[1].id)
}

func TestReadLineTruncates(t *testing.T) {
	br := bufio.NewReaderSize(strings.NewReader(strings.Repeat("a", maxLineBytes+10)+"\r\nnext"), 16)

	line, err := readLine(br)
	require.NoError(t, err)
	assert.Len(t, line, maxLineBytes)

	line, err = readLine(br)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "next", line)
}
