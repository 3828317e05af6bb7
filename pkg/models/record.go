package models

import (
	"sort"
	"time"
)

// Stage is the delivery-pipeline phase a transaction is classified into.
type Stage int

const (
	// StageNone means no classification rule has fired yet.
	StageNone Stage = iota
	// StageNoQueue is a message rejected before a queue id was assigned.
	StageNoQueue
	// StageIncoming is the initial intake hop, including in-queue rejects.
	StageIncoming
	// StageAntiVirus is the loopback anti-virus scan hop.
	StageAntiVirus
	// StageSpamFilter is the spam-filter requeue hop.
	StageSpamFilter
	// StageWhitelist is the loopback whitelist hop.
	StageWhitelist
	// StageContentFilter is the external content-filter hop.
	StageContentFilter
	// StageRelay is final delivery through an external relay.
	StageRelay
	// StageBounce is a bounce notification (empty sender).
	StageBounce
	// StageIgnored marks lines from locally generated system mail.
	StageIgnored
)

func (s Stage) String() string {
	switch s {
	case StageNoQueue:
		return "noqueue"
	case StageIncoming:
		return "incoming"
	case StageAntiVirus:
		return "antivirus"
	case StageSpamFilter:
		return "spamfilter"
	case StageWhitelist:
		return "whitelist"
	case StageContentFilter:
		return "contentfilter"
	case StageRelay:
		return "relay"
	case StageBounce:
		return "bounce"
	case StageIgnored:
		return "ignored"
	default:
		return "none"
	}
}

// Detail is the delivery outcome recorded for one recipient of a transaction.
type Detail struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	Status  string    `json:"status"`
	Relay   string    `json:"relay,omitempty"`
	// Saved marks the status row as already written, so a replayed line
	// does not produce a duplicate write while the record is still staged.
	Saved bool `json:"saved"`
}

// Record is the evolving per-transaction aggregate staged between log lines.
// From and MessageID are pointers because an empty string is a legitimate
// observed value, distinct from never seen.
type Record struct {
	Key        string             `json:"key"`
	Schema     string             `json:"schema"`
	Host       string             `json:"host"`
	From       *string            `json:"from,omitempty"`
	Time       time.Time          `json:"time"`
	Stage      Stage              `json:"stage"`
	MessageID  *string            `json:"message_id,omitempty"`
	QueuedAs   []string           `json:"queued_as,omitempty"`
	Recipients map[string]*Detail `json:"recipients"`
	Removed    bool               `json:"removed"`
}

// NewRecord creates an empty record for a transaction key.
func NewRecord(schema, key, host string) *Record {
	return &Record{
		Key:        key,
		Schema:     schema,
		Host:       host,
		Recipients: make(map[string]*Detail),
	}
}

// ObserveTime keeps the earliest timestamp seen for the transaction.
func (r *Record) ObserveTime(t time.Time) {
	if r.Time.IsZero() || t.Before(r.Time) {
		r.Time = t
	}
}

// SetFrom records the sender once; later values are ignored.
func (r *Record) SetFrom(from string) bool {
	if r.From != nil {
		return false
	}
	r.From = &from
	return true
}

// SetMessageID records the message id, overwriting any previous value.
// An empty id is kept, it is meaningful for early pipeline hops.
func (r *Record) SetMessageID(id string) {
	r.MessageID = &id
}

// MessageIDValue returns the message id or "" when none was observed.
func (r *Record) MessageIDValue() string {
	if r.MessageID == nil {
		return ""
	}
	return *r.MessageID
}

// FromValue returns the sender or "" when none was observed.
func (r *Record) FromValue() string {
	if r.From == nil {
		return ""
	}
	return *r.From
}

// AddQueuedAs records a successor queue id. The set only grows.
func (r *Record) AddQueuedAs(id string) {
	if id == "" {
		return
	}
	for _, existing := range r.QueuedAs {
		if existing == id {
			return
		}
	}
	r.QueuedAs = append(r.QueuedAs, id)
}

// SetRecipient upserts the delivery detail for one recipient address.
// Within one build the last write wins; across builds addresses accumulate.
func (r *Record) SetRecipient(addr string, d *Detail) {
	if r.Recipients == nil {
		r.Recipients = make(map[string]*Detail)
	}
	r.Recipients[addr] = d
}

// RecipientList returns the recipient addresses in stable order.
func (r *Record) RecipientList() []string {
	out := make([]string, 0, len(r.Recipients))
	for addr := range r.Recipients {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
