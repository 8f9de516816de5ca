package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/vinayprograms/pulsekit/bus"
	hrerrors "github.com/vinayprograms/pulsekit/errors"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// --- Unit Tests ---

func TestRequestValidate(t *testing.T) {
	abn := Abnormal{OwnerUserID: "alice", HeartRate: 190, Direction: DirectionHigh}
	match := Match{HeartRate: 50, UserID: "alice", MatchWithUserID: "bob"}

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"abnormal ok", NewAbnormal(KindAbnormalOwner, []string{"alice"}, abn, now), nil},
		{"match ok", NewMatch([]Match{match}, now), nil},
		{"no recipients", NewAbnormal(KindAbnormalSubscribers, nil, abn, now), ErrNoRecipients},
		{"abnormal without payload", Request{Kind: KindAbnormalOwner, Recipients: []string{"a"}}, ErrEmptyPayload},
		{"empty match batch", NewMatch(nil, now), ErrNoRecipients},
		{"match without payload", Request{Kind: KindMatch, Recipients: []string{"a"}}, ErrEmptyPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := (Request{Kind: "bogus", Recipients: []string{"a"}}).Validate(); err == nil {
		t.Error("unknown kind should fail validation")
	}
}

func TestNewMatch_RecipientsFollowBatch(t *testing.T) {
	req := NewMatch([]Match{
		{HeartRate: 50, UserID: "alice", MatchWithUserID: "bob"},
		{HeartRate: 50, UserID: "bob", MatchWithUserID: "alice"},
	}, now)
	if len(req.Recipients) != 2 || req.Recipients[0] != "alice" || req.Recipients[1] != "bob" {
		t.Errorf("Recipients = %v", req.Recipients)
	}
	if req.ID == "" {
		t.Error("request should get an id")
	}
}

func TestBusSubmitter_Publishes(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	sub, err := mb.Subscribe("notifications.push")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	s, err := NewBusSubmitter(mb, BusSubmitterConfig{}, nil)
	if err != nil {
		t.Fatalf("NewBusSubmitter error: %v", err)
	}

	req := NewAbnormal(KindAbnormalSubscribers, []string{"bob"},
		Abnormal{OwnerUserID: "alice", OwnerDisplayName: "Alice", HeartRate: 30, Direction: DirectionLow}, now)
	if err := s.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		var got Request
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.ID != req.ID || got.Abnormal == nil || got.Abnormal.Direction != DirectionLow {
			t.Errorf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
	}
}

func TestBusSubmitter_RejectsInvalid(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()
	s, _ := NewBusSubmitter(mb, DefaultBusSubmitterConfig(), nil)

	err := s.Submit(context.Background(), Request{Kind: KindMatch})
	if !hrerrors.Is(err, hrerrors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestBusSubmitter_Closed(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()
	s, _ := NewBusSubmitter(mb, DefaultBusSubmitterConfig(), nil)
	s.Close()

	req := NewMatch([]Match{{UserID: "a", MatchWithUserID: "b"}}, now)
	if err := s.Submit(context.Background(), req); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestBusSubmitter_BusFailure(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	s, _ := NewBusSubmitter(mb, DefaultBusSubmitterConfig(), nil)
	mb.Close()

	req := NewMatch([]Match{{UserID: "a", MatchWithUserID: "b"}}, now)
	if err := s.Submit(context.Background(), req); !hrerrors.Is(err, hrerrors.ErrCodeUnavailable) {
		t.Errorf("expected UNAVAILABLE, got %v", err)
	}
}

func TestNewBusSubmitter_BadSubject(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()
	if _, err := NewBusSubmitter(mb, BusSubmitterConfig{Subject: "notifications.*"}, nil); err == nil {
		t.Error("wildcard subject should be rejected")
	}
}

func TestMemorySubmitter(t *testing.T) {
	s := NewMemorySubmitter()
	ctx := context.Background()
	abn := Abnormal{OwnerUserID: "alice", HeartRate: 200, Direction: DirectionHigh}

	boom := errors.New("boom")
	s.FailKind(KindAbnormalSubscribers, boom)

	if err := s.Submit(ctx, NewAbnormal(KindAbnormalSubscribers, []string{"bob"}, abn, now)); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
	if err := s.Submit(ctx, NewAbnormal(KindAbnormalOwner, []string{"alice"}, abn, now)); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if got := len(s.OfKind(KindAbnormalOwner)); got != 1 {
		t.Errorf("owner requests = %d, want 1", got)
	}
	if got := len(s.Requests()); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}

	s.Reset()
	if len(s.Requests()) != 0 {
		t.Error("Reset should clear requests")
	}
}
