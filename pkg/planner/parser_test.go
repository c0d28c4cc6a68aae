package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloom/loom/pkg/models"
)

func TestParseAttributedXML(t *testing.T) {
	text := `Here is the plan:
<tasks>
  <task id="1" type="browser" depends_on="">Visit https://example.com and download the report.</task>
  <task id="2" type="document" depends_on="1"> Summarise the report into summary.md. </task>
  <task id="3" type="code" depends_on="1,2">Write a script to chart the numbers.</task>
</tasks>
Good luck!`

	subs, err := ParseSubtasks(text)
	require.NoError(t, err)
	require.Len(t, subs, 3)

	assert.Equal(t, "1", subs[0].ID)
	assert.Equal(t, models.AgentTypeBrowser, subs[0].AgentType)
	assert.Empty(t, subs[0].DependsOn)

	assert.Equal(t, "Summarise the report into summary.md.", subs[1].Content, "content must be trimmed")
	assert.Equal(t, []string{"1"}, subs[1].DependsOn)

	assert.Equal(t, []string{"1", "2"}, subs[2].DependsOn)
	for _, s := range subs {
		assert.Equal(t, models.SubtaskPending, s.State)
	}
}

func TestParseUnknownTypeFallsBackToInference(t *testing.T) {
	text := `<tasks><task id="1" type="wizard" depends_on="">Search the web and click the first result.</task></tasks>`

	subs, err := ParseSubtasks(text)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, models.AgentTypeBrowser, subs[0].AgentType)
}

func TestParseBareXMLFallback(t *testing.T) {
	text := `<task>Write a summary report of the findings.</task>
<task>Transcribe the attached audio interview.</task>`

	subs, err := ParseSubtasks(text)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "1", subs[0].ID)
	assert.Equal(t, models.AgentTypeDocument, subs[0].AgentType)
	assert.Equal(t, "2", subs[1].ID)
	assert.Equal(t, models.AgentTypeMultiModal, subs[1].AgentType)
}

func TestParseJSONFallback(t *testing.T) {
	text := `I could not produce XML, here is JSON instead:
{"subtasks": [
  {"id": "a", "content": "Visit the page", "type": "browser", "depends_on": []},
  {"id": "b", "content": "Write it up {with braces}", "type": "document", "depends_on": ["a"]}
]}`

	subs, err := ParseSubtasks(text)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "a", subs[0].ID)
	assert.Equal(t, []string{"a"}, subs[1].DependsOn)
	assert.Equal(t, "Write it up {with braces}", subs[1].Content)
}

func TestParseFailureReturnsError(t *testing.T) {
	_, err := ParseSubtasks("I am sorry, I cannot decompose this task.")
	assert.ErrorIs(t, err, ErrNoDecomposition)

	_, err = ParseSubtasks("")
	assert.ErrorIs(t, err, ErrNoDecomposition)
}

func TestXMLRoundTrip(t *testing.T) {
	original := []*models.Subtask{
		{ID: "1", Content: "Visit the page", AgentType: models.AgentTypeBrowser, State: models.SubtaskPending, MemoryLevel: models.MemoryLevelL3},
		{ID: "2", Content: "Write the report", AgentType: models.AgentTypeDocument, DependsOn: []string{"1"}, State: models.SubtaskPending, MemoryLevel: models.MemoryLevelL3},
	}

	parsed, err := ParseSubtasks(SerializeSubtasks(original))
	require.NoError(t, err)
	require.Len(t, parsed, len(original))
	for i := range original {
		assert.Equal(t, original[i].ID, parsed[i].ID)
		assert.Equal(t, original[i].AgentType, parsed[i].AgentType)
		assert.Equal(t, original[i].DependsOn, parsed[i].DependsOn)
		assert.Equal(t, original[i].Content, parsed[i].Content)
	}
}

func TestInferAgentType(t *testing.T) {
	tests := []struct {
		content string
		want    models.AgentType
	}{
		{"Search for flights and click the booking link", models.AgentTypeBrowser},
		{"Write a quarterly report as an excel spreadsheet", models.AgentTypeDocument},
		{"Deploy the script and debug the install", models.AgentTypeCode},
		{"Run OCR over the screenshot image", models.AgentTypeMultiModal},
		{"Do the thing", models.AgentTypeBrowser}, // zero score defaults to browser
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InferAgentType(tt.content), tt.content)
	}
}
