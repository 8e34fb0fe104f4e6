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
	// Color helpers should return non-empty strings
	assert.NotEmpty(t, Cyan("test"))
	assert.NotEmpty(t, Green("test"))
	assert.NotEmpty(t, Yellow("test"))
	assert.NotEmpty(t, Red("test"))
}

func TestStatusColor(t *testing.T) {
	assert.NotEmpty(t, StatusColor("active"))
	assert.NotEmpty(t, StatusColor("completed"))
	assert.NotEmpty(t, StatusColor("aborted"))
	assert.Equal(t, "unknown", StatusColor("unknown"))
}

func TestSyncColor(t *testing.T) {
	assert.NotEmpty(t, SyncColor("pending"))
	assert.NotEmpty(t, SyncColor("syncing"))
	assert.NotEmpty(t, SyncColor("synced"))
	assert.NotEmpty(t, SyncColor("failed"))
	assert.Equal(t, "unknown", SyncColor("unknown"))
}

func TestSpO2Color(t *testing.T) {
	assert.NotEmpty(t, SpO2Color(96, 80))
	assert.NotEmpty(t, SpO2Color(83, 80))
	assert.NotEmpty(t, SpO2Color(78, 80))
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"Session", "Status"})
	require.NotNil(t, table)

	table.Append([]string{"01JFX", "active"})
	table.Append([]string{"01JFY", "completed"})
	err := table.Render()
	require.NoError(t, err)

	result := out.String()
	assert.True(t, strings.Contains(result, "01JFX") || strings.Contains(result, "01jfx"),
		"table output should contain session ids")
	assert.True(t, strings.Contains(result, "active") || strings.Contains(result, "ACTIVE"),
		"table output should contain statuses")
}
