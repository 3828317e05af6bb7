package rules

import (
	"fmt"
	"regexp"
	"strings"

	"maillog/pkg/models"
)

// RelayRule maps a relay token to a pipeline stage. Exact takes precedence
// over Contains; rules are evaluated in table order because relay strings
// overlap (a specific loopback port vs a generic external relay).
type RelayRule struct {
	Exact    string
	Contains string
	Stage    models.Stage
}

// VirusSignature forces the delivery status to "virus" when the trailing
// response text of a line classified into Stage contains Match.
type VirusSignature struct {
	Stage models.Stage
	Match string
}

// Rules is the ordered classification table for one deployment's mail stack.
// The engine itself is fixed; deployments differ only in this data.
type Rules struct {
	Relays        []RelayRule
	IgnoredRelays []string
	Viruses       []VirusSignature
	IgnoreLine    []string
	// RejectStage is the intake stage forced by a reject/discard line.
	RejectStage models.Stage

	delivery *regexp.Regexp
	reject   *regexp.Regexp
}

var (
	deliveryRe = regexp.MustCompile(`to=<([^>]*)>.* relay=([^,]*).* status=([^ ]*) \(([^)]*)`)
	rejectRe   = regexp.MustCompile(`(reject|discard):.* to=<([^>]*)>`)
)

// Default returns the compiled-in table for the reference deployment.
func Default() *Rules {
	r := &Rules{
		Relays: []RelayRule{
			{Exact: "127.0.0.1[127.0.0.1]:10026", Stage: models.StageAntiVirus},
			{Exact: "127.0.0.1[127.0.0.1]:10027", Stage: models.StageWhitelist},
			{Exact: "spamassassin", Stage: models.StageSpamFilter},
			{Contains: "dreamavis.dwp.net.id", Stage: models.StageContentFilter},
		},
		IgnoredRelays: []string{"autoreply", "archivefilter", "webhook"},
		Viruses: []VirusSignature{
			{Stage: models.StageAntiVirus, Match: "250 Virus Detected; Discarded Email"},
			{Stage: models.StageContentFilter, Match: "BOUNCE"},
		},
		IgnoreLine:  []string{"uid=0"},
		RejectStage: models.StageIncoming,
	}
	r.compile()
	return r
}

func (r *Rules) compile() {
	r.delivery = deliveryRe
	r.reject = rejectRe
}

// Delivery is the outcome of matching a to/relay/status line.
type Delivery struct {
	To     string
	Relay  string
	Status string
	// Stage the relay classified into. Known is true when a configured
	// relay rule fired; a Known stage is assigned unconditionally while
	// the generic StageRelay fallback only applies to unstaged records.
	Stage models.Stage
	Known bool
	// Ignored means the relay is on the ignore list: no recipient entry
	// is recorded and the line does not finalize the record.
	Ignored bool
}

// MatchDelivery extracts the recipient/relay/status triple and classifies
// the relay. Returns false when the line carries no delivery attempt.
func (r *Rules) MatchDelivery(message string) (Delivery, bool) {
	m := r.delivery.FindStringSubmatch(message)
	if m == nil {
		return Delivery{}, false
	}
	d := Delivery{
		To:     m[1],
		Relay:  m[2],
		Status: m[3],
		Stage:  models.StageRelay,
	}
	response := m[4]

	for _, rule := range r.Relays {
		if rule.Exact != "" && d.Relay == rule.Exact {
			d.Stage = rule.Stage
			d.Known = true
			break
		}
		if rule.Contains != "" && strings.Contains(d.Relay, rule.Contains) {
			d.Stage = rule.Stage
			d.Known = true
			break
		}
	}

	if !d.Known {
		for _, name := range r.IgnoredRelays {
			if d.Relay == name {
				d.Ignored = true
				break
			}
		}
	}

	for _, sig := range r.Viruses {
		if sig.Stage == d.Stage && strings.Contains(response, sig.Match) {
			d.Status = "virus"
			break
		}
	}

	return d, true
}

// Reject is a matched reject/discard action.
type Reject struct {
	To     string
	Status string
}

// MatchReject matches the reject/discard pattern. The recipient may be
// empty when the address group did not capture; callers must keep that
// empty key stable so replays merge into one entry.
func (r *Rules) MatchReject(message string) (Reject, bool) {
	m := r.reject.FindStringSubmatch(message)
	if m == nil {
		return Reject{}, false
	}
	return Reject{Status: m[1], To: m[2]}, true
}

// MatchIgnoreLine reports whether the line belongs to locally generated
// system mail that should be classified as ignored.
func (r *Rules) MatchIgnoreLine(message string) bool {
	for _, pat := range r.IgnoreLine {
		if pat != "" && strings.Contains(message, pat) {
			return true
		}
	}
	return false
}

// IsRemovedMarker reports whether the line is the terminal dequeue marker.
func (r *Rules) IsRemovedMarker(key, message string) bool {
	return message == fmt.Sprintf("%s: removed", key)
}
