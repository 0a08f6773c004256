package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestInfo(t *testing.T) {
	u, out, _ := newTestUI()
	u.Info("hello %s", "world")
	assert.Contains(t, out.String(), "hello world")
}

func TestSuccess(t *testing.T) {
	u, out, _ := newTestUI()
	u.Success("done %d", 42)
	assert.Contains(t, out.String(), "done 42")
}

func TestWarning(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Warning("careful %s", "now")
	assert.Contains(t, errOut.String(), "careful now")
}

func TestError(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Error("failed %s", "badly")
	assert.Contains(t, errOut.String(), "failed badly")
}

func TestVerboseLog_Enabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = true
	u.VerboseLog("detail %d", 1)
	assert.Contains(t, out.String(), "detail 1")
}

func TestVerboseLog_Disabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = false
	u.VerboseLog("detail %d", 1)
	assert.Empty(t, out.String())
}

func TestColorHelpers(t *testing.T) {
	assert.NotEmpty(t, Cyan("test"))
	assert.NotEmpty(t, Green("test"))
	assert.NotEmpty(t, Yellow("test"))
	assert.NotEmpty(t, Red("test"))
}

func TestStatusColor(t *testing.T) {
	assert.NotEmpty(t, StatusColor("todo"))
	assert.NotEmpty(t, StatusColor("planning"))
	assert.NotEmpty(t, StatusColor("planning_review"))
	assert.NotEmpty(t, StatusColor("done"))
	assert.Equal(t, "mystery", StatusColor("mystery"))
}

func TestSessionColor(t *testing.T) {
	assert.NotEmpty(t, SessionColor("running"))
	assert.NotEmpty(t, SessionColor("completed"))
	assert.NotEmpty(t, SessionColor("failed"))
	assert.Equal(t, "pending", SessionColor("pending"))
}

func TestActivityColor(t *testing.T) {
	assert.NotEmpty(t, ActivityColor("tool_call"))
	assert.NotEmpty(t, ActivityColor("agent_message"))
	assert.NotEmpty(t, ActivityColor("finished"))
	assert.Equal(t, "step_start", ActivityColor("step_start"))
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"ID", "Status"})
	require.NotNil(t, table)

	table.Append([]string{"tsk-1", "planning"})
	table.Append([]string{"tsk-2", "done"})
	err := table.Render()
	require.NoError(t, err)

	result := out.String()
	assert.True(t, strings.Contains(result, "tsk-1"), "table output should contain task ids")
	assert.True(t, strings.Contains(result, "tsk-2"), "table output should contain task ids")
}
