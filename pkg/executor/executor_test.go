package executor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirkhh/adsb-boottest/pkg/config"
	"github.com/dirkhh/adsb-boottest/pkg/executor"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestScriptExecutor_Success(t *testing.T) {
	exec := executor.NewScriptExecutor(testLogger(), &config.ExecutorConfig{
		Command: "/bin/sh",
		Args: []string{"-c", `
			echo "boottest-stage: power"
			echo "boottest-stage: boot"
			echo "boottest-stage: verify"
			echo "all good for $1"`, "boottest"},
	})

	result, err := exec.Run(
		context.Background(),
		"https://example.invalid/image.img.xz",
		executor.RunContext{RunID: "run-ok", ImageVersion: "v1"},
	)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.ErrorStage)
}

func TestScriptExecutor_FailureReportsLastStage(t *testing.T) {
	exec := executor.NewScriptExecutor(testLogger(), &config.ExecutorConfig{
		Command: "/bin/sh",
		Args: []string{"-c", `
			echo "boottest-stage: power"
			echo "boottest-stage: boot"
			echo "no heartbeat from image"
			exit 1`, "boottest"},
	})

	result, err := exec.Run(
		context.Background(),
		"https://example.invalid/image.img.xz",
		executor.RunContext{RunID: "run-fail"},
	)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "boot", result.ErrorStage)
}

func TestScriptExecutor_FailureWithoutStage(t *testing.T) {
	exec := executor.NewScriptExecutor(testLogger(), &config.ExecutorConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 2", "boottest"},
	})

	result, err := exec.Run(
		context.Background(),
		"https://example.invalid/image.img.xz",
		executor.RunContext{RunID: "run-nostage"},
	)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "unknown", result.ErrorStage)
}

func TestScriptExecutor_Timeout(t *testing.T) {
	exec := executor.NewScriptExecutor(testLogger(), &config.ExecutorConfig{
		Command: "/bin/sh",
		Args: []string{"-c", `
			echo "boottest-stage: boot"
			sleep 30`, "boottest"},
	})

	ctx, cancel := context.WithTimeout(
		context.Background(), 200*time.Millisecond,
	)
	defer cancel()

	start := time.Now()
	_, err := exec.Run(
		ctx,
		"https://example.invalid/image.img.xz",
		executor.RunContext{RunID: "run-timeout"},
	)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The process group kill frees the rig promptly, not after the sleep.
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestScriptExecutor_MissingCommand(t *testing.T) {
	exec := executor.NewScriptExecutor(testLogger(), &config.ExecutorConfig{
		Command: "/nonexistent/boottest.sh",
	})

	_, err := exec.Run(
		context.Background(),
		"https://example.invalid/image.img.xz",
		executor.RunContext{RunID: "run-missing"},
	)
	require.Error(t, err)
}

func TestScriptExecutor_WritesConsoleLog(t *testing.T) {
	resultsDir := t.TempDir()

	exec := executor.NewScriptExecutor(testLogger(), &config.ExecutorConfig{
		Command: "/bin/sh",
		Args: []string{"-c", `
			echo "boottest-stage: power"
			echo "rig output line"`, "boottest"},
		ResultsDir: resultsDir,
	})

	result, err := exec.Run(
		context.Background(),
		"https://example.invalid/image.img.xz",
		executor.RunContext{RunID: "run-log"},
	)
	require.NoError(t, err)
	assert.True(t, result.Success)

	data, err := os.ReadFile(
		filepath.Join(executor.RunDir(resultsDir, "run-log"), "console.log"),
	)
	require.NoError(t, err)
	assert.Contains(t, string(data), "boottest-stage: power")
	assert.Contains(t, string(data), "rig output line")
}

func TestScriptExecutor_PassesEnvironment(t *testing.T) {
	resultsDir := t.TempDir()

	exec := executor.NewScriptExecutor(testLogger(), &config.ExecutorConfig{
		Command: "/bin/sh",
		Args: []string{"-c",
			`echo "id=$BOOTTEST_RUN_ID version=$BOOTTEST_IMAGE_VERSION url=$1"`,
			"boottest"},
		ResultsDir: resultsDir,
	})

	result, err := exec.Run(
		context.Background(),
		"https://example.invalid/image.img.xz",
		executor.RunContext{RunID: "run-env", ImageVersion: "v3.0.1"},
	)
	require.NoError(t, err)
	assert.True(t, result.Success)

	data, err := os.ReadFile(
		filepath.Join(executor.RunDir(resultsDir, "run-env"), "console.log"),
	)
	require.NoError(t, err)
	assert.Contains(t, string(data),
		"id=run-env version=v3.0.1 url=https://example.invalid/image.img.xz")
}
