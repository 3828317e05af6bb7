package builder

import (
	"regexp"

	"maillog/internal/rules"
	"maillog/pkg/models"
)

var (
	fromRe      = regexp.MustCompile(`from=<([^>]*)>`)
	queuedAsRe  = regexp.MustCompile(`queued as ([^)]*)`)
	messageIDRe = regexp.MustCompile(`message-id=<?([^>]*)>?`)
)

// Build merges one tokenized event into the staged record for its
// transaction key. prev is nil on first contact; the no-queue sentinel
// never has a staged predecessor. Pure: storage belongs to the caller.
//
// Extraction steps run in a fixed order and a pattern that does not
// match is a no-op, not an error.
func Build(ev models.Event, prev *models.Record, r *rules.Rules, schema string) *models.Record {
	rec := prev
	if rec == nil {
		rec = models.NewRecord(schema, ev.Key, ev.Host)
	}
	if ev.NoQueue() {
		rec.Stage = models.StageNoQueue
		rec.Removed = true
	}

	rec.ObserveTime(ev.Time)
	msg := ev.Message

	// Sender is first-write-wins; an empty envelope sender is a bounce,
	// except on the no-queue sentinel, whose stage is already terminal.
	if m := fromRe.FindStringSubmatch(msg); m != nil {
		if rec.SetFrom(m[1]) && m[1] == "" && !ev.NoQueue() {
			rec.Stage = models.StageBounce
		}
	}

	if r.MatchIgnoreLine(msg) {
		rec.Stage = models.StageIgnored
	}

	if m := queuedAsRe.FindStringSubmatch(msg); m != nil {
		rec.AddQueuedAs(m[1])
	}

	// message-id may legitimately be empty at early hops; empty is kept
	// and is distinct from never observed.
	if m := messageIDRe.FindStringSubmatch(msg); m != nil {
		rec.SetMessageID(m[1])
	}

	// Relay classification. The no-queue sentinel bypasses it entirely.
	if !ev.NoQueue() {
		if d, ok := r.MatchDelivery(msg); ok {
			if d.Known {
				rec.Stage = d.Stage
			} else if rec.Stage == models.StageNone {
				rec.Stage = d.Stage
			}
			if !d.Ignored {
				rec.SetRecipient(d.To, &models.Detail{
					Time:    ev.Time,
					Message: msg,
					Status:  d.Status,
					Relay:   d.Relay,
				})
				rec.Removed = true
			}
		}
	}

	// Reject/discard always wins over whatever was staged before. The
	// recipient key stays the empty capture when the address group does
	// not match, so replayed lines merge into one entry.
	if rj, ok := r.MatchReject(msg); ok || ev.NoQueue() {
		rec.SetRecipient(rj.To, &models.Detail{
			Time:    ev.Time,
			Message: msg,
			Status:  rj.Status,
		})
		rec.Removed = true
		if !ev.NoQueue() {
			rec.Stage = r.RejectStage
		}
	}

	if r.IsRemovedMarker(ev.Key, msg) {
		rec.Removed = true
	}

	return rec
}
