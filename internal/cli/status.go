package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/peerlink-network/peerlink/internal/domain"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show transport status of the running daemon",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	var resp struct {
		Priority   []domain.TransportType   `json:"priority"`
		Transports []domain.TransportStatus `json:"transports"`
	}
	if err := c.do("GET", "/api/transports", nil, &resp); err != nil {
		return err
	}

	fmt.Printf("Priority: %v\n\n", resp.Priority)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TRANSPORT\tSTATUS\tCONNECTIONS\tLATENCY\tQUEUED\tERROR")
	for _, t := range resp.Transports {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.0fms\t%d\t%s\n",
			t.Type, t.State, t.Connections, t.Metrics.LatencyMS, t.Metrics.QueueOut, t.Error)
	}
	return w.Flush()
}
