package models

import (
	"testing"
	"time"
)

func TestParseConversationID(t *testing.T) {
	tests := []struct {
		in      string
		channel ChannelType
		target  string
		wantErr bool
	}{
		{in: "telegram:12345", channel: ChannelTelegram, target: "12345"},
		{in: "email:bob@example.com", channel: ChannelEmail, target: "bob@example.com"},
		{in: "web:a:b", channel: ChannelWeb, target: "a:b"},
		{in: "nochannel", wantErr: true},
		{in: ":target", wantErr: true},
		{in: "slack:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			id, err := ParseConversationID(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.Channel() != tt.channel {
				t.Errorf("Channel() = %q, want %q", id.Channel(), tt.channel)
			}
			if id.Target() != tt.target {
				t.Errorf("Target() = %q, want %q", id.Target(), tt.target)
			}
		})
	}
}

func TestNewConversationID(t *testing.T) {
	id := NewConversationID(ChannelSlack, "C01")
	if id != "slack:C01" {
		t.Errorf("id = %q, want %q", id, "slack:C01")
	}
}

func TestTurnState_Terminal(t *testing.T) {
	if TurnRunning.Terminal() {
		t.Error("running should not be terminal")
	}
	for _, s := range []TurnState{TurnCompleted, TurnErrored, TurnAborted} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestConfirmationStatus_Resolved(t *testing.T) {
	if ConfirmationPending.Resolved() {
		t.Error("pending should not be resolved")
	}
	for _, s := range []ConfirmationStatus{ConfirmationApproved, ConfirmationDenied, ConfirmationTimedOut} {
		if !s.Resolved() {
			t.Errorf("%s should be resolved", s)
		}
	}
}

func TestPendingConfirmation_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	pc := &PendingConfirmation{Deadline: now}
	if !pc.Expired(now) {
		t.Error("confirmation should expire at its deadline")
	}
	if pc.Expired(now.Add(-time.Millisecond)) {
		t.Error("confirmation should not expire before its deadline")
	}
}

func TestBatchArrivals(t *testing.T) {
	t0 := time.Unix(100, 0)
	b := &Batch{Events: []*InboundEvent{
		{Content: "a", ReceivedAt: t0},
		{Content: "b", ReceivedAt: t0.Add(100 * time.Millisecond)},
	}}
	if !b.FirstArrival().Equal(t0) {
		t.Errorf("FirstArrival = %v", b.FirstArrival())
	}
	if !b.LastArrival().Equal(t0.Add(100 * time.Millisecond)) {
		t.Errorf("LastArrival = %v", b.LastArrival())
	}
	if !(&Batch{}).FirstArrival().IsZero() {
		t.Error("empty batch should have zero arrival")
	}
}

func TestToolCallResult_AsToolResult(t *testing.T) {
	r := &ToolCallResult{Text: "done", IsError: true, AttachmentIDs: []string{"a1"}}
	got := r.AsToolResult("call-1")
	if got.ToolCallID != "call-1" || got.Content != "done" || !got.IsError || len(got.AttachmentIDs) != 1 {
		t.Errorf("AsToolResult = %+v", got)
	}
	var nilResult *ToolCallResult
	if nilResult.AsToolResult("x").ToolCallID != "x" {
		t.Error("nil result should still carry the call id")
	}
}

func TestInboundEvent_IsEmpty(t *testing.T) {
	if !(&InboundEvent{}).IsEmpty() {
		t.Error("zero event should be empty")
	}
	if (&InboundEvent{Confirmation: &ConfirmationReply{Approved: true}}).IsEmpty() {
		t.Error("confirmation reply should not be empty")
	}
}

func TestMessage_IsThreadRoot(t *testing.T) {
	m := &Message{ID: "m1", ThreadRootID: "m1"}
	if !m.IsThreadRoot() {
		t.Error("self-rooted message should be a root")
	}
	m.ThreadRootID = "m0"
	if m.IsThreadRoot() {
		t.Error("message with ancestor should not be a root")
	}
}
