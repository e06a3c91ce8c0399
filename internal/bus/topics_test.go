package bus

import (
	"testing"
	"time"
)

func TestApprovalTopics_PrefixGroupsBothPhases(t *testing.T) {
	b := New()
	sub := b.Subscribe("approval.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicApprovalRequested, ApprovalRequestedEvent{EntryID: "gate-1", Command: "rm -rf /tmp/x"})
	b.Publish(TopicApprovalResolved, ApprovalResolvedEvent{EntryID: "gate-1", Decision: "denied", Approver: "system:timeout"})

	var topics []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for approval events")
		}
	}
	if topics[0] != TopicApprovalRequested || topics[1] != TopicApprovalResolved {
		t.Fatalf("topics = %v, want requested then resolved", topics)
	}
}

func TestRunLineEvent_CarriesKey(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicRunLine)
	defer b.Unsubscribe(sub)

	b.Publish(TopicRunLine, RunLineEvent{RunID: "r1", AgentID: 6, UserID: 0, Line: "listing files"})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(RunLineEvent)
		if !ok {
			t.Fatalf("payload type = %T, want RunLineEvent", ev.Payload)
		}
		if payload.AgentID != 6 || payload.UserID != 0 {
			t.Fatalf("key = %d/%d, want 6/0", payload.AgentID, payload.UserID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for run line")
	}
}

func TestCubicleLifecycleTopics_Distinct(t *testing.T) {
	all := []string{
		TopicCubicleCreated, TopicCubicleWoken,
		TopicCubicleHibernated, TopicCubicleRemoved,
		TopicApprovalRequested, TopicApprovalResolved, TopicApprovalViolation,
		TopicMeetingRequested, TopicMeetingResolved, TopicMeetingCompleted,
		TopicReaperSweep, TopicAgentChanged, TopicBudgetDenied,
		TopicRunStarted, TopicRunLine, TopicRunCompleted, TopicRunFailed,
	}
	seen := make(map[string]bool)
	for _, topic := range all {
		if topic == "" {
			t.Fatal("empty topic constant")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
}
