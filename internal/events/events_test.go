package events

import (
	"context"
	"encoding/json"
	"testing"
)

func TestOutcomeWireNames(t *testing.T) {
	o := NewOutcome(KindForfeit, "m1")
	o.WinnerID, o.LoserID = "bob", "alice"
	raw, err := json.Marshal(o)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"eventId", "eventType", "matchId", "winnerId", "loserId", "timestamp"} {
		if _, ok := got[key]; !ok {
			t.Errorf("missing %q in %s", key, raw)
		}
	}
	if _, ok := got["reason"]; ok {
		t.Error("empty reason should be omitted")
	}
}

func TestSubjectPerKind(t *testing.T) {
	p := &NATSPublisher{prefix: DefaultSubjectPrefix}
	if got := p.Subject(KindJudged); got != "debatenow.match.judged" {
		t.Errorf("Subject = %q", got)
	}
}

func TestMemoryPublisherKeepsOrder(t *testing.T) {
	p := &MemoryPublisher{}
	ctx := context.Background()
	p.Publish(ctx, NewOutcome(KindPenalty, "m1"))
	p.Publish(ctx, NewOutcome(KindJudged, "m1"))
	got := p.Published()
	if len(got) != 2 || got[0].Kind != KindPenalty || got[1].Kind != KindJudged {
		t.Errorf("unexpected outcomes %+v", got)
	}
}
