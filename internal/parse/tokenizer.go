package parse

import (
	"regexp"
	"strings"
	"time"

	"maillog/pkg/models"
)

// lineRe splits a syslog line into timestamp, host, emitting process and
// the message remainder. The leading token of the message, when present,
// is the queue id the mail transfer agent assigned to the transaction.
var lineRe = regexp.MustCompile(`^([^ ]+) ([^ ]+) ([^:]+): ((([^ :]+)[ :])?.*)$`)

// The line format carries the timestamp as one token, so only the
// high-precision ISO formats the syslog daemon emits are accepted.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
}

// Tokenizer turns raw syslog lines into events and drops the lines the
// correlation engine must never see: other daemons, connection-cache
// chatter, and message tokens that are not queue ids.
type Tokenizer struct {
	includeProcess *regexp.Regexp
	excludeProcess *regexp.Regexp
	excludeKey     *regexp.Regexp
}

// NewTokenizer builds a tokenizer with the stock mail-agent filters.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{
		includeProcess: regexp.MustCompile(`postfix`),
		excludeProcess: regexp.MustCompile(`postfix/anvil|postfix/scache`),
		excludeKey:     regexp.MustCompile(`Trusted|Untrusted|warning|connect|Anonymous|lost|SSL_accept|message|fatal|timeout|too|improper|Host`),
	}
}

// Line tokenizes one raw line. ok is false when the line is filtered out
// or carries an unparseable timestamp; both are input-validation drops,
// not errors.
func (t *Tokenizer) Line(line string) (models.Event, bool) {
	line = strings.TrimRight(line, "\r\n")
	m := lineRe.FindStringSubmatch(line)
	if m == nil {
		return models.Event{}, false
	}

	process := m[3]
	if !t.includeProcess.MatchString(process) {
		return models.Event{}, false
	}
	if t.excludeProcess.MatchString(process) {
		return models.Event{}, false
	}

	key := m[6]
	if key != models.NoQueueKey && t.excludeKey.MatchString(key) {
		return models.Event{}, false
	}

	ts, ok := parseTime(m[1])
	if !ok {
		return models.Event{}, false
	}

	return models.Event{
		Time:    ts,
		Host:    m[2],
		Process: process,
		Key:     key,
		Message: m[4],
	}, true
}

func parseTime(value string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
