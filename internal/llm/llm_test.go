package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskdeck/taskdeck/internal/models"
)

func TestBuildEnrichPrompt(t *testing.T) {
	t.Run("with description", func(t *testing.T) {
		system, user := buildEnrichPrompt("Fix login bug", "Login page crashes on submit")

		assert.Contains(t, system, "description")
		assert.Contains(t, system, "agent_prompt")
		assert.Contains(t, system, "JSON")

		assert.Contains(t, user, "Fix login bug")
		assert.Contains(t, user, "Login page crashes on submit")
	})

	t.Run("title only", func(t *testing.T) {
		system, user := buildEnrichPrompt("Add dark mode", "")

		assert.Contains(t, system, "description")
		assert.NotContains(t, user, "Existing description")
		assert.Contains(t, user, "Add dark mode")
	})

	t.Run("system prompt specifies JSON fields", func(t *testing.T) {
		system, _ := buildEnrichPrompt("Test task", "")

		assert.Contains(t, system, `"description"`)
		assert.Contains(t, system, `"agent_prompt"`)
	})
}

func TestStripFencing(t *testing.T) {
	t.Run("plain text untouched", func(t *testing.T) {
		assert.Equal(t, `{"a":1}`, stripFencing(`{"a":1}`))
	})

	t.Run("json fence removed", func(t *testing.T) {
		assert.Equal(t, `{"a":1}`, stripFencing("```json\n{\"a\":1}\n```"))
	})

	t.Run("bare fence removed", func(t *testing.T) {
		assert.Equal(t, `{"a":1}`, stripFencing("```\n{\"a\":1}\n```"))
	})

	t.Run("surrounding whitespace trimmed", func(t *testing.T) {
		assert.Equal(t, "hello", stripFencing("  hello\n"))
	})
}

func TestBuildSummaryPrompt(t *testing.T) {
	records := []models.ActivityRecord{
		{Type: models.ActivityToolCall, Content: "ran tests"},
		{Type: models.ActivityToolResult, Error: "2 tests failed"},
	}

	system, user := buildSummaryPrompt("Fix flaky suite", records)

	assert.Contains(t, system, "human reviewer")
	assert.Contains(t, user, "Fix flaky suite")
	assert.Contains(t, user, "tool_call: ran tests")
	assert.Contains(t, user, "[error: 2 tests failed]")
}
