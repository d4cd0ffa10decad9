package commands

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pbj/internal/domain"
)

func TestToastedName(t *testing.T) {
	assert.Equal(t, "out/final_output_toasted.json", toastedName("out/final_output.json"))
	assert.Equal(t, "page_3_toasted", toastedName("page_3"))
}

func TestRunFlagsOverridesOnlyChangedFlags(t *testing.T) {
	var f runFlags
	cmd := &cobra.Command{Use: "run"}
	f.register(cmd, true)

	require.NoError(t, cmd.ParseFlags([]string{"--skip-enhance", "--parser", "local", "-o", "/tmp/docs"}))

	got := f.overrides(cmd)
	assert.Equal(t, "true", got["skip_enhance"])
	assert.Equal(t, "local", got["parser"])
	assert.Equal(t, "/tmp/docs", got["output_base_dir"])
	assert.NotContains(t, got, "use_premium_mode")
	assert.NotContains(t, got, "openai_model")
	assert.NotContains(t, got, "concurrency")
}

func TestResumeFlagsHaveNoOutput(t *testing.T) {
	var f runFlags
	cmd := &cobra.Command{Use: "resume"}
	f.register(cmd, false)
	assert.Nil(t, cmd.Flags().Lookup("output"))
}

func TestRunAliases(t *testing.T) {
	for _, name := range []string{"run", "sandwich", "make"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, runCmd, cmd, name)
	}
}

func TestStageLabel(t *testing.T) {
	assert.Equal(t, "not started", stageLabel(domain.StageNone))
	assert.Equal(t, "extract", stageLabel(domain.StageExtract))
	assert.Equal(t, "reshape (complete)", stageLabel(domain.StageReshape))
}
