package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/peerlink-network/peerlink/internal/app/peers"
	"github.com/peerlink-network/peerlink/internal/domain"
)

func init() {
	discoverCmd.Flags().StringVarP(&discoverQuery, "query", "q", "", "Only peers matching this text")
	discoverCmd.Flags().BoolVar(&discoverOnline, "online", false, "Only online peers")
	discoverCmd.Flags().StringSliceVarP(&discoverTransports, "transport", "t", nil, "Restrict to these transports")
	rootCmd.AddCommand(discoverCmd)
}

var (
	discoverQuery      string
	discoverOnline     bool
	discoverTransports []string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Ask every active transport of the running daemon for peers",
	RunE:  runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	f := peers.DiscoverFilter{Query: discoverQuery, OnlineOnly: discoverOnline}
	for _, name := range discoverTransports {
		t, err := domain.ParseTransportType(name)
		if err != nil {
			return err
		}
		f.Transports = append(f.Transports, t)
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	var res peers.DiscoverResult
	if err := c.do("POST", "/api/peers/discover", f, &res); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTRANSPORTS")
	for _, p := range res.Peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.DisplayName, p.Status, transportList(p.Identifiers))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d peers, %d new\n", res.Total, res.Discovered)
	return nil
}
