// Package verdict parses the free-text oracle replies into closed verdict types.
//
// The oracle is asked to answer with a marker line followed by a token, e.g.
//
//	[Judgement]
//	allow
//
// Parsing is a search, not a full match: the marker may sit anywhere in
// surrounding prose and the token may run on into a longer word ("allowed").
// The marker must be followed by a bare "\n"; "\r\n" does not match. Replies that do not carry the marker, or carry an unknown
// token, parse to an explicit Unparseable variant. That variant is mapped to a
// routing default only by Resolve.
package verdict

import (
	"regexp"
	"strings"
)

// Judgement is the admissibility verdict for an inbound message.
type Judgement string

const (
	Allow                Judgement = "allow"
	Deny                 Judgement = "deny"
	JudgementUnparseable Judgement = "unparseable"
)

// Status is the mission completion verdict for a report from the layer below.
type Status string

const (
	StatusComplete    Status = "complete"
	StatusIncomplete  Status = "incomplete"
	StatusError       Status = "error"
	StatusUnparseable Status = "unparseable"
)

// Fail-closed: an ambiguous judgement never leaks an allow.
const UnparseableJudgementPolicy = Deny

// Ambiguous completion replies become StatusError, distinct from both terminal states.
const UnparseableStatusPolicy = StatusError

const (
	JudgementMarker = "[Judgement]"
	StatusMarker    = "[Status]"
)

var (
	judgementPattern = regexp.MustCompile(`\[Judgement\]\n(?i:(allow|deny))`)
	statusPattern    = regexp.MustCompile(`\[Status\]\n(?i:(complete|incomplete|error))`)
)

// ParseJudgement extracts the judgement token from an oracle reply.
func ParseJudgement(text string) Judgement {
	m := judgementPattern.FindStringSubmatch(text)
	if m == nil {
		return JudgementUnparseable
	}
	return Judgement(strings.ToLower(m[1]))
}

// ParseStatus extracts the completion token from an oracle reply.
func ParseStatus(text string) Status {
	m := statusPattern.FindStringSubmatch(text)
	if m == nil {
		return StatusUnparseable
	}
	return Status(strings.ToLower(m[1]))
}

// Resolve maps the unparseable variant to UnparseableJudgementPolicy.
func (j Judgement) Resolve() Judgement {
	switch j {
	case Allow, Deny:
		return j
	default:
		return UnparseableJudgementPolicy
	}
}

// Resolve maps the unparseable variant to UnparseableStatusPolicy.
func (s Status) Resolve() Status {
	switch s {
	case StatusComplete, StatusIncomplete, StatusError:
		return s
	default:
		return UnparseableStatusPolicy
	}
}

func (j Judgement) String() string { return string(j) }

func (s Status) String() string { return string(s) }
