package builder

import (
	"testing"

	"maillog/pkg/models"
)

func TestFinalizable(t *testing.T) {
	sender := "alice@example.com"
	mid := "m1@example.com"
	empty := ""

	cases := []struct {
		name string
		rec  models.Record
		want bool
	}{
		{"noqueue", models.Record{Stage: models.StageNoQueue}, true},
		{"bounce", models.Record{Stage: models.StageBounce}, true},
		{"ignored", models.Record{Stage: models.StageIgnored}, true},
		{"antivirus", models.Record{Stage: models.StageAntiVirus}, true},
		{"whitelist", models.Record{Stage: models.StageWhitelist}, true},
		{"incoming with sender", models.Record{Stage: models.StageIncoming, From: &sender}, true},
		{"incoming with empty sender", models.Record{Stage: models.StageIncoming, From: &empty}, true},
		{"incoming without sender", models.Record{Stage: models.StageIncoming}, false},
		{"spamfilter with message id", models.Record{Stage: models.StageSpamFilter, MessageID: &mid}, true},
		{"spamfilter with empty message id", models.Record{Stage: models.StageSpamFilter, MessageID: &empty}, false},
		{"spamfilter without message id", models.Record{Stage: models.StageSpamFilter}, false},
		{"relay with message id", models.Record{Stage: models.StageRelay, MessageID: &mid}, true},
		{"relay without message id", models.Record{Stage: models.StageRelay}, false},
		{"contentfilter with message id", models.Record{Stage: models.StageContentFilter, MessageID: &mid}, true},
		{"contentfilter without message id", models.Record{Stage: models.StageContentFilter}, false},
		{"unclassified", models.Record{Stage: models.StageNone}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Finalizable(&tc.rec); got != tc.want {
				t.Fatalf("Finalizable(%s) = %v, want %v", tc.rec.Stage, got, tc.want)
			}
		})
	}
}
