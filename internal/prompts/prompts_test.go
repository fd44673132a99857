package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJudgementPromptCarriesSourceAndFormat(t *testing.T) {
	out := Prompt{
		Source:         SourceUserRequest,
		Message:        "  Build a library for the village  ",
		ResponseFormat: JudgementResponseFormat,
	}.Generate()

	assert.Contains(t, out, "# Source\nUser Request From Chat")
	assert.Contains(t, out, "# Message\nBuild a library for the village\n")
	assert.Contains(t, out, "[Judgement]\n<allow|deny>")
	assert.NotContains(t, out, "# Mission")
}

func TestCompletionPromptEmbedsMission(t *testing.T) {
	mission := "Build a library"
	out := Prompt{
		Source:         SourceDataBus,
		Message:        "The library is open.",
		Mission:        &mission,
		ResponseFormat: MissionCompleteResponseFormat,
	}.Generate()

	assert.Contains(t, out, "# Mission\nBuild a library")
	assert.Contains(t, out, "[Status]\n<complete|incomplete|error>")
}

func TestCompletionPromptWithoutMission(t *testing.T) {
	out := Prompt{
		Source:         SourceDataBus,
		Message:        "status report",
		ResponseFormat: MissionCompleteResponseFormat,
	}.Generate()

	assert.Contains(t, out, "# Mission\nNo active mission")
}
