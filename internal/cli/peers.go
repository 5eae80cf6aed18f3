package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/peerlink-network/peerlink/internal/daemon"
	"github.com/peerlink-network/peerlink/internal/domain"
)

func init() {
	peersCmd.Flags().StringVarP(&peersQuery, "query", "q", "", "Filter by name, id or address")
	peersCmd.Flags().BoolVar(&peersBlocked, "blocked", false, "Include blocked peers")
	rootCmd.AddCommand(peersCmd)
}

var (
	peersQuery   string
	peersBlocked bool
)

var peersCmd = &cobra.Command{
	Use:     "peers",
	Aliases: []string{"ls"},
	Short:   "List known peers",
	RunE:    runPeers,
}

func runPeers(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	list, err := d.Peers.ListPeers(context.Background(), domain.PeerFilter{
		Query:          peersQuery,
		IncludeBlocked: peersBlocked,
	})
	if err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Println("No peers yet. Run 'peerlink discover' against a running daemon to find some.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTRUST\tTRANSPORTS\tLAST SEEN")
	for _, p := range list {
		name := p.DisplayName
		if p.Blocked {
			name += " (blocked)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID,
			name,
			p.Status,
			p.TrustLevel,
			transportList(p.Identifiers),
			p.LastSeen.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func transportList(ids map[domain.TransportType]string) string {
	names := make([]string, 0, len(ids))
	for t := range ids {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
