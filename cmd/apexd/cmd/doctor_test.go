package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckCommand_FindsPathBinary(t *testing.T) {
	// "sh" and "ls" are present on any POSIX system this runs on; use one
	// that's guaranteed rather than depending on git being installed.
	assert.True(t, checkCommand("sh"))
}

func TestCheckCommand_RejectsUnknownBinary(t *testing.T) {
	assert.False(t, checkCommand("definitely-not-a-real-binary-xyz"))
}

func TestRunDoctor_FailsWhenGitMissing(t *testing.T) {
	oldPath := projectPath
	defer func() { projectPath = oldPath }()
	projectPath = "/tmp"

	// This only asserts doctor's required-dependency gate behaves
	// consistently; it does not stub out exec.LookPath, so the outcome
	// reflects whether git is actually installed in the test environment.
	err := runDoctor(doctorCmd, nil)
	if !checkCommand("git") {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}
