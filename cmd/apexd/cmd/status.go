package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apex-daemon/apexd/internal/process"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the daemon's last published state",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw state-file JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	path, err := resolveProjectPath()
	if err != nil {
		return err
	}

	pf, err := process.ReadPidFile(path)
	if err != nil {
		return err
	}
	if pf == nil {
		fmt.Println("apexd is not running for this project")
		return nil
	}

	sf, err := process.ReadStateFile(path)
	if err != nil {
		return err
	}
	if sf == nil {
		fmt.Printf("apexd is running (pid %d) but has not yet published state\n", pf.Pid)
		return nil
	}

	if statusJSON {
		data, err := json.MarshalIndent(sf, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("pid:        %d\n", sf.Pid)
	fmt.Printf("started at: %s\n", sf.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("mode:       %s\n", sf.Capacity.Mode)
	fmt.Printf("paused:     %t", sf.Capacity.IsAutoPaused)
	if sf.Capacity.IsAutoPaused {
		fmt.Printf(" (%s)", sf.Capacity.PauseReason)
	}
	fmt.Println()
	fmt.Printf("tasks:      %v\n", sf.Health.TaskCounts)
	return nil
}
