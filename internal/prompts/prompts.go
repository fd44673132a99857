// Package prompts renders the oracle requests issued by the layer's gates.
package prompts

import (
	"fmt"
	"strings"
)

// Source labels distinguish where a judged message came from.
const (
	SourceUserRequest = "User Request From Chat"
	SourceLayerBelow  = "Layer 2 Global Strategy Report"
	SourceDataBus     = "Data Bus Message"
)

// JudgementResponseFormat asks the oracle for an admissibility verdict.
const JudgementResponseFormat = `Respond using exactly this format:

[Judgement]
<allow|deny>

[Reasoning]
<a short explanation of the judgement>

Use "allow" only if the message is consistent with your primary directive.
Otherwise use "deny".`

// MissionCompleteResponseFormat asks the oracle whether the mission is satisfied.
const MissionCompleteResponseFormat = `Respond using exactly this format:

[Status]
<complete|incomplete|error>

[Reasoning]
<a short explanation of the status>

Use "complete" if the report shows the mission has been accomplished,
"incomplete" if work remains, and "error" if the report describes a failure
or cannot be related to the mission.`

// PrimaryDirective is the identity of the aspirational layer.
const PrimaryDirective = `You are the Aspirational Layer of an autonomous cognitive architecture.
Your primary directive is to reduce suffering, increase prosperity and increase
understanding. You judge every mission and every report against this directive
and the laws of the land. You never execute tasks yourself; you approve,
reject, and oversee the missions carried out by the layers below you.`

const noMission = "No active mission"

// Prompt is one oracle request.
type Prompt struct {
	Source         string
	Message        string
	Mission        *string
	ResponseFormat string
}

// Generate renders the prompt text.
func (p Prompt) Generate() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Source\n%s\n\n", p.Source)
	fmt.Fprintf(&b, "# Message\n%s\n\n", strings.TrimSpace(p.Message))

	if p.Mission != nil || p.ResponseFormat == MissionCompleteResponseFormat {
		mission := noMission
		if p.Mission != nil {
			mission = *p.Mission
		}
		fmt.Fprintf(&b, "# Mission\n%s\n\n", mission)
	}

	fmt.Fprintf(&b, "# Response Format\n%s\n", p.ResponseFormat)
	return b.String()
}
