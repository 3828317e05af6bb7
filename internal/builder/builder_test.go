package builder

import (
	"testing"
	"time"

	"maillog/internal/rules"
	"maillog/pkg/models"
)

const testSchema = "test"

func event(key, message string, at time.Time) models.Event {
	return models.Event{
		Time:    at,
		Host:    "mx1.example.com",
		Process: "postfix/smtp[2154]",
		Key:     key,
		Message: message,
	}
}

func TestBuildFirstContact(t *testing.T) {
	r := rules.Default()
	at := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)

	rec := Build(event("B16D42C0B9", "B16D42C0B9: from=<alice@example.com>, size=5420, nrcpt=1 (queue active)", at), nil, r, testSchema)

	if rec.Key != "B16D42C0B9" || rec.Schema != testSchema || rec.Host != "mx1.example.com" {
		t.Fatalf("unexpected identity fields: %+v", rec)
	}
	if rec.FromValue() != "alice@example.com" {
		t.Fatalf("expected sender, got %q", rec.FromValue())
	}
	if rec.Removed {
		t.Fatalf("first contact must not finalize")
	}
	if rec.Stage != models.StageNone {
		t.Fatalf("expected unclassified stage, got %v", rec.Stage)
	}
}

func TestBuildTimeKeepsMinimum(t *testing.T) {
	r := rules.Default()
	early := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	late := early.Add(2 * time.Minute)

	rec := Build(event("B16D42C0B9", "B16D42C0B9: from=<alice@example.com>", late), nil, r, testSchema)
	rec = Build(event("B16D42C0B9", "B16D42C0B9: message-id=<m1@example.com>", early), rec, r, testSchema)
	rec = Build(event("B16D42C0B9", "B16D42C0B9: removed", late), rec, r, testSchema)

	if !rec.Time.Equal(early) {
		t.Fatalf("expected earliest time %v, got %v", early, rec.Time)
	}
}

func TestBuildFromIsFirstWriteWins(t *testing.T) {
	r := rules.Default()
	at := time.Now().UTC()

	rec := Build(event("B16D42C0B9", "B16D42C0B9: from=<alice@example.com>", at), nil, r, testSchema)
	rec = Build(event("B16D42C0B9", "B16D42C0B9: from=<other@example.org>", at), rec, r, testSchema)

	if rec.FromValue() != "alice@example.com" {
		t.Fatalf("sender must be first-write-wins, got %q", rec.FromValue())
	}
}

func TestBuildEmptySenderIsBounce(t *testing.T) {
	r := rules.Default()
	at := time.Now().UTC()

	rec := Build(event("D54F11A2E0", "D54F11A2E0: from=<>, size=2301, nrcpt=1 (queue active)", at), nil, r, testSchema)
	if rec.Stage != models.StageBounce {
		t.Fatalf("expected bounce stage, got %v", rec.Stage)
	}

	// A later non-empty sender must not demote the record back, and a
	// second empty one must not re-fire (From is already set).
	rec = Build(event("D54F11A2E0", "D54F11A2E0: client=unknown[203.0.113.7]", at), rec, r, testSchema)
	if rec.Stage != models.StageBounce {
		t.Fatalf("expected bounce stage to stick, got %v", rec.Stage)
	}
}

func TestBuildQueuedAsAccumulates(t *testing.T) {
	r := rules.Default()
	at := time.Now().UTC()

	rec := Build(event("B16D42C0B9", "B16D42C0B9: to=<bob@example.com>, relay=127.0.0.1[127.0.0.1]:10026, status=sent (250 2.0.0 Ok: queued as C27E53D1CA)", at), nil, r, testSchema)
	rec = Build(event("B16D42C0B9", "B16D42C0B9: to=<bob@example.com>, relay=127.0.0.1[127.0.0.1]:10026, status=sent (250 2.0.0 Ok: queued as C27E53D1CA)", at), rec, r, testSchema)
	rec = Build(event("B16D42C0B9", "B16D42C0B9: to=<bob@example.com>, relay=spamassassin, status=sent (250 2.0.0 Ok: queued as E88A02F4D1)", at), rec, r, testSchema)

	if len(rec.QueuedAs) != 2 {
		t.Fatalf("expected 2 successor ids, got %v", rec.QueuedAs)
	}
	if rec.QueuedAs[0] != "C27E53D1CA" || rec.QueuedAs[1] != "E88A02F4D1" {
		t.Fatalf("unexpected successor ids %v", rec.QueuedAs)
	}
}

func TestBuildMessageIDEmptyIsDistinctFromAbsent(t *testing.T) {
	r := rules.Default()
	at := time.Now().UTC()

	rec := Build(event("B16D42C0B9", "B16D42C0B9: client=unknown[203.0.113.7]", at), nil, r, testSchema)
	if rec.MessageID != nil {
		t.Fatalf("message id must be absent before a matching line")
	}

	rec = Build(event("B16D42C0B9", "B16D42C0B9: message-id=<>", at), rec, r, testSchema)
	if rec.MessageID == nil || *rec.MessageID != "" {
		t.Fatalf("expected observed empty message id, got %v", rec.MessageID)
	}

	rec = Build(event("B16D42C0B9", "B16D42C0B9: message-id=<m1@example.com>", at), rec, r, testSchema)
	if rec.MessageIDValue() != "m1@example.com" {
		t.Fatalf("message id must be overwritable, got %q", rec.MessageIDValue())
	}
}

// First classified stage sticks for the generic relay fallback, while a
// known internal hop reclassifies.
func TestBuildStageFirstAssignmentWins(t *testing.T) {
	r := rules.Default()
	at := time.Now().UTC()

	rec := Build(event("B16D42C0B9", "B16D42C0B9: to=<bob@example.com>, relay=127.0.0.1[127.0.0.1]:10026, status=sent (250 Ok)", at), nil, r, testSchema)
	if rec.Stage != models.StageAntiVirus || !rec.Removed {
		t.Fatalf("unexpected record after anti-virus hop: stage=%v removed=%v", rec.Stage, rec.Removed)
	}

	rec = Build(event("B16D42C0B9", "B16D42C0B9: to=<carol@example.org>, relay=mx.example.org[93.184.216.34]:25, status=sent (250 accepted)", at), rec, r, testSchema)
	if rec.Stage != models.StageAntiVirus {
		t.Fatalf("generic relay must not reclassify, got %v", rec.Stage)
	}
	if len(rec.Recipients) != 2 {
		t.Fatalf("expected both recipients kept, got %v", rec.RecipientList())
	}
}

func TestBuildIgnoredRelayAddsNothing(t *testing.T) {
	r := rules.Default()
	at := time.Now().UTC()

	rec := Build(event("B16D42C0B9", "B16D42C0B9: to=<bob@example.com>, relay=autoreply, status=sent (delivered to autoreply)", at), nil, r, testSchema)
	if len(rec.Recipients) != 0 {
		t.Fatalf("ignored relay must not record a recipient, got %v", rec.RecipientList())
	}
	if rec.Removed {
		t.Fatalf("ignored relay must not finalize the record")
	}
}

func TestBuildRejectAlwaysWins(t *testing.T) {
	r := rules.Default()
	at := time.Now().UTC()

	rec := Build(event("B16D42C0B9", "B16D42C0B9: to=<bob@example.com>, relay=spamassassin, status=sent (ok)", at), nil, r, testSchema)
	if rec.Stage != models.StageSpamFilter {
		t.Fatalf("expected spam filter stage, got %v", rec.Stage)
	}

	rec = Build(event("B16D42C0B9", "B16D42C0B9: reject: RCPT from unknown[203.0.113.9]: 554 5.7.1 denied; from=<spam@example.net> to=<victim@example.com> proto=ESMTP", at), rec, r, testSchema)
	if rec.Stage != models.StageIncoming {
		t.Fatalf("reject must force the intake stage, got %v", rec.Stage)
	}
	if !rec.Removed {
		t.Fatalf("reject must finalize the record")
	}
	if _, ok := rec.Recipients["victim@example.com"]; !ok {
		t.Fatalf("expected rejected recipient entry, got %v", rec.RecipientList())
	}
}

func TestBuildNoQueue(t *testing.T) {
	r := rules.Default()
	at := time.Now().UTC()

	rec := Build(event(models.NoQueueKey, "NOQUEUE: reject: RCPT from unknown[203.0.113.9]: 554 denied; from=<> to=<victim@example.com> proto=ESMTP", at), nil, r, testSchema)
	if rec.Stage != models.StageNoQueue {
		t.Fatalf("expected no-queue stage, got %v", rec.Stage)
	}
	if !rec.Removed {
		t.Fatalf("no-queue is terminal")
	}
	if d, ok := rec.Recipients["victim@example.com"]; !ok || d.Status != "reject" {
		t.Fatalf("unexpected recipients %v", rec.Recipients)
	}
	if rec.FromValue() != "" || rec.From == nil {
		t.Fatalf("expected observed empty sender")
	}
}

// When the address group does not capture, replayed lines must keep the
// same sentinel key instead of growing new entries.
func TestBuildNoQueueWithoutAddressKeepsStableKey(t *testing.T) {
	r := rules.Default()
	at := time.Now().UTC()

	rec := Build(event(models.NoQueueKey, "NOQUEUE: lost connection after RCPT from unknown[203.0.113.9]", at), nil, r, testSchema)
	if len(rec.Recipients) != 1 {
		t.Fatalf("expected one sentinel recipient, got %v", rec.RecipientList())
	}
	if _, ok := rec.Recipients[""]; !ok {
		t.Fatalf("expected empty-string recipient key, got %v", rec.RecipientList())
	}

	again := Build(event(models.NoQueueKey, "NOQUEUE: lost connection after RCPT from unknown[203.0.113.9]", at), nil, r, testSchema)
	if len(again.Recipients) != 1 {
		t.Fatalf("replay must not grow entries, got %v", again.RecipientList())
	}
}

func TestBuildRemovedMarker(t *testing.T) {
	r := rules.Default()
	at := time.Now().UTC()

	rec := Build(event("B16D42C0B9", "B16D42C0B9: message-id=<m1@example.com>", at), nil, r, testSchema)
	if rec.Removed {
		t.Fatalf("record must not be removed yet")
	}

	rec = Build(event("B16D42C0B9", "B16D42C0B9: removed", at), rec, r, testSchema)
	if !rec.Removed {
		t.Fatalf("expected removed marker to finalize")
	}
}

// A record already marked removed keeps accepting trailing lines.
func TestBuildRemovedIsNotTerminalForBuilds(t *testing.T) {
	r := rules.Default()
	at := time.Now().UTC()

	rec := Build(event("B16D42C0B9", "B16D42C0B9: removed", at), nil, r, testSchema)
	rec = Build(event("B16D42C0B9", "B16D42C0B9: to=<late@example.com>, relay=mx.example.org[93.184.216.34]:25, status=bounced (550 user unknown)", at), rec, r, testSchema)

	if d, ok := rec.Recipients["late@example.com"]; !ok || d.Status != "bounced" {
		t.Fatalf("late line must still merge, got %v", rec.Recipients)
	}
}

func TestBuildIgnoreLine(t *testing.T) {
	r := rules.Default()
	at := time.Now().UTC()

	rec := Build(event("B16D42C0B9", "B16D42C0B9: uid=0 from=<root>", at), nil, r, testSchema)
	if rec.Stage != models.StageIgnored {
		t.Fatalf("expected ignored stage, got %v", rec.Stage)
	}
}
