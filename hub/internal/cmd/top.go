package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/collab/hub/internal/tui"
)

func newTopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live view of pool health and connections of a running hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			token, _ := cmd.Flags().GetString("token")
			interval, _ := cmd.Flags().GetDuration("interval")
			if token == "" {
				token = os.Getenv("COLLAB_TOKEN")
			}
			return tui.Run(tui.NewClient(url, token), url, interval)
		},
	}
	cmd.Flags().String("url", "http://localhost:8080", "hub base URL")
	cmd.Flags().String("token", "", "admin bearer token for the connection list (default: $COLLAB_TOKEN)")
	cmd.Flags().Duration("interval", 2*time.Second, "refresh interval")
	return cmd
}
