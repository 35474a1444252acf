package main

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatd/internal/control"
	"github.com/matheus3301/chatd/internal/instance"
	"github.com/matheus3301/chatd/internal/lock"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Instance string `json:"instance"`
	Dir      string `json:"dir"`
	PID      int    `json:"pid,omitempty"`
	Running  bool   `json:"running"`
	Serving  bool   `json:"serving"`
	Error    string `json:"error,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"health"},
	Short:   "Show whether the instance daemon is running and serving",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, name, err := resolve()
		if err != nil {
			return err
		}
		report := statusReport{Instance: name, Dir: instance.Dir(name)}

		pid, err := lock.Holder(report.Dir)
		if err != nil {
			return fmt.Errorf("read lock: %w", err)
		}
		report.PID = pid
		report.Running = pid != 0

		if report.Running {
			c, err := control.New(instance.SocketPath(name))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			report.Serving, err = c.Serving(ctx)
			if err != nil {
				report.Error = err.Error()
			}
		}

		if jsonFlag {
			outputJSON(report)
			return nil
		}
		fmt.Printf("Instance: %s\n", report.Instance)
		fmt.Printf("Dir:      %s\n", report.Dir)
		switch {
		case !report.Running:
			fmt.Println("Status:   stopped")
		case report.Serving:
			fmt.Printf("Status:   serving (pid %d)\n", report.PID)
		default:
			fmt.Printf("Status:   running, not serving (pid %d)\n", report.PID)
		}
		if report.Error != "" {
			fmt.Printf("Error:    %s\n", report.Error)
		}
		return nil
	},
}
