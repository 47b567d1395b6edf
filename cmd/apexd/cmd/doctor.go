package cmd

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check system dependencies",
	Long:  "Report whether git (required) and gh and the agent CLIs (optional) are on PATH, and print the resolved project path.",
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(_ *cobra.Command, _ []string) error {
	checks := []struct {
		name     string
		command  string
		required bool
	}{
		{"git", "git", true},
		{"gh", "gh", false},
		{"claude", "claude", false},
		{"gemini", "gemini", false},
		{"codex", "codex", false},
	}

	fmt.Println("Checking dependencies...")
	fmt.Println()

	requiredOk := true
	for _, check := range checks {
		ok := checkCommand(check.command)
		icon := "✓"
		suffix := ""
		switch {
		case !ok && check.required:
			icon = "✗"
			requiredOk = false
		case !ok:
			icon = "○"
			suffix = " (optional)"
		}
		fmt.Printf("  %s %s%s\n", icon, check.name, suffix)
	}

	fmt.Println()

	path, err := resolveProjectPath()
	if err != nil {
		return err
	}
	fmt.Printf("Project path: %s\n", path)

	if !requiredOk {
		return fmt.Errorf("one or more required dependencies are missing")
	}
	return nil
}

func checkCommand(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
