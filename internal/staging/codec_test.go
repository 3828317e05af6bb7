package staging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maillog/pkg/models"
)

func TestKeyNamespacing(t *testing.T) {
	assert.Equal(t, "log-test-B16D42C0B9", Key("test", "B16D42C0B9"))
	assert.Equal(t, "log-prod-B16D42C0B9", Key("prod", "B16D42C0B9"))
}

func TestRecordRoundTrip(t *testing.T) {
	from := "alice@example.com"
	mid := "m1@example.com"
	at := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)

	rec := &models.Record{
		Key:       "B16D42C0B9",
		Schema:    "test",
		Host:      "mx1.example.com",
		From:      &from,
		Time:      at,
		Stage:     models.StageRelay,
		MessageID: &mid,
		QueuedAs:  []string{"C27E53D1CA"},
		Recipients: map[string]*models.Detail{
			"bob@example.com": {
				Time:    at.Add(time.Second),
				Message: "B16D42C0B9: to=<bob@example.com>, relay=mx.example.org[93.184.216.34]:25, status=sent (250 accepted)",
				Status:  "sent",
				Relay:   "mx.example.org[93.184.216.34]:25",
				Saved:   true,
			},
			"carol@example.org": {
				Time:    at.Add(2 * time.Second),
				Message: "B16D42C0B9: to=<carol@example.org>, relay=mx.example.org[93.184.216.34]:25, status=deferred (451 try later)",
				Status:  "deferred",
				Relay:   "mx.example.org[93.184.216.34]:25",
			},
		},
		Removed: true,
	}

	data, err := Encode(rec)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.True(t, got.Recipients["bob@example.com"].Saved)
	assert.False(t, got.Recipients["carol@example.org"].Saved)
}

// Pointer fields distinguish an observed empty value from never seen.
func TestRoundTripPreservesEmptyVersusAbsent(t *testing.T) {
	empty := ""

	rec := models.NewRecord("test", "B16D42C0B9", "mx1.example.com")
	rec.MessageID = &empty

	data, err := Encode(rec)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, got.MessageID)
	assert.Equal(t, "", *got.MessageID)
	assert.Nil(t, got.From)
}

func TestDecodeInitializesRecipients(t *testing.T) {
	got, err := Decode([]byte(`{"key":"B16D42C0B9","schema":"test"}`))
	require.NoError(t, err)
	require.NotNil(t, got.Recipients)
}
