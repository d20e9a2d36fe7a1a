package transfer

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrfsbackup/internal/common"
)

func TestPipelinePassesDataThrough(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	p := &Pipeline{Stages: []Stage{
		{Name: "produce", Cmd: exec.Command("sh", "-c", "printf hello")},
		{Name: "filter", Cmd: exec.Command("cat")},
		{Name: "consume", Cmd: exec.Command("sh", "-c", "cat > "+out)},
	}}
	require.NoError(t, p.Run())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestPipelineFailingStagePropagates(t *testing.T) {
	p := &Pipeline{Stages: []Stage{
		{Name: "produce", Cmd: exec.Command("sh", "-c", "printf hello")},
		{Name: "filter", Cmd: exec.Command("sh", "-c", "cat >/dev/null; exit 7")},
		{Name: "consume", Cmd: exec.Command("cat")},
	}}
	err := p.Run()
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrPipeline)
	assert.Contains(t, err.Error(), "filter")
}

func TestPipelineDownstreamFailureNotMaskedBySigpipe(t *testing.T) {
	// The producer streams forever and dies of SIGPIPE once the
	// consumer exits; the reported failure must be the consumer's.
	p := &Pipeline{Stages: []Stage{
		{Name: "produce", Cmd: exec.Command("yes")},
		{Name: "consume", Cmd: exec.Command("sh", "-c", "exit 3")},
	}}
	err := p.Run()
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrPipeline)
	assert.Contains(t, err.Error(), "consume")
}

func TestPipelineAllSucceedEmptyOutput(t *testing.T) {
	p := &Pipeline{Stages: []Stage{
		{Name: "produce", Cmd: exec.Command("true")},
		{Name: "consume", Cmd: exec.Command("cat")},
	}}
	require.NoError(t, p.Run())
}

func TestPipelineEmptyIsNoop(t *testing.T) {
	p := &Pipeline{}
	require.NoError(t, p.Run())
}
