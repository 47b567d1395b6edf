package cmd

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_HelpFlag(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"apexd", "--help"}
	err := Execute()
	assert.NoError(t, err)
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-01")
	assert.Equal(t, "1.2.3", appVersion)
	assert.Equal(t, "abc123", appCommit)
	assert.Equal(t, "2026-01-01", appDate)
}

func TestInitConfig_NoConfigFile(t *testing.T) {
	cfgFile = ""
	err := initConfig()
	assert.NoError(t, err)
}

func TestInitConfig_MissingConfigFileIsNotFatal(t *testing.T) {
	oldCfgFile := cfgFile
	defer func() { cfgFile = oldCfgFile }()

	cfgFile = "/nonexistent/path/to/apex-config.yaml"
	err := initConfig()
	assert.NoError(t, err)
}

func TestResolveProjectPath_DefaultsToWorkingDirectory(t *testing.T) {
	oldPath := projectPath
	defer func() { projectPath = oldPath }()

	projectPath = ""
	resolved, err := resolveProjectPath()
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, resolved)
}

func TestResolveProjectPath_HonorsFlagOverride(t *testing.T) {
	oldPath := projectPath
	defer func() { projectPath = oldPath }()

	projectPath = "/some/explicit/path"
	resolved, err := resolveProjectPath()
	require.NoError(t, err)
	assert.Equal(t, "/some/explicit/path", resolved)
}
