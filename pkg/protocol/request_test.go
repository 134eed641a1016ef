package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:  false,
		StatusAnswered: true,
		StatusExpired:  true,
	}
	for s, want := range cases {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	r := &Request{
		ID:         "r1",
		Input:      json.RawMessage(`{"title":"x"}`),
		Output:     json.RawMessage(`{"approved":true}`),
		ResolvedAt: &now,
	}
	c := r.Clone()

	c.Input[2] = 'X'
	c.Output[2] = 'X'
	*c.ResolvedAt = now.Add(time.Hour)

	if string(r.Input) != `{"title":"x"}` {
		t.Errorf("input mutated through clone: %s", r.Input)
	}
	if string(r.Output) != `{"approved":true}` {
		t.Errorf("output mutated through clone: %s", r.Output)
	}
	if !r.ResolvedAt.Equal(now) {
		t.Error("resolvedAt mutated through clone")
	}
}

func TestRequestOmitsOutputWhilePending(t *testing.T) {
	b, err := json.Marshal(Request{ID: "r1", Status: StatusPending, Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	json.Unmarshal(b, &m)
	if _, ok := m["output"]; ok {
		t.Errorf("pending request should not carry output: %s", b)
	}
	if _, ok := m["resolvedAt"]; ok {
		t.Errorf("pending request should not carry resolvedAt: %s", b)
	}
}
