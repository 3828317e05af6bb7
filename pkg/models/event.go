package models

import "time"

// NoQueueKey is the sentinel transaction key the mail transfer agent logs
// when a message is rejected before a queue id is assigned.
const NoQueueKey = "NOQUEUE"

// Event is one tokenized syslog line from the mail transfer agent.
type Event struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Process string    `json:"process"`
	Key     string    `json:"key"`
	Message string    `json:"message"`
}

// NoQueue reports whether the event has no assigned queue id.
func (e *Event) NoQueue() bool {
	return e.Key == NoQueueKey
}
