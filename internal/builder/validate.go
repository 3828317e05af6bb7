package builder

import "maillog/pkg/models"

// Finalizable decides whether a staged record carries enough information
// to be written to the relational store. Requeue stages need the message
// id that links them to their successor queue id; intake needs a sender;
// terminal stages are complete by construction. A record that fails here
// simply stays staged until a later line supplies the missing field.
func Finalizable(rec *models.Record) bool {
	switch rec.Stage {
	case models.StageSpamFilter, models.StageRelay, models.StageContentFilter:
		return rec.MessageIDValue() != ""
	case models.StageIncoming:
		return rec.From != nil
	case models.StageNoQueue, models.StageBounce, models.StageIgnored,
		models.StageAntiVirus, models.StageWhitelist:
		return true
	default:
		return false
	}
}
