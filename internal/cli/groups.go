package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/peerlink-network/peerlink/internal/daemon"
	"github.com/peerlink-network/peerlink/internal/domain"
)

func init() {
	rootCmd.AddCommand(groupsCmd)
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List the groups this node belongs to",
	RunE:  runGroups,
}

func runGroups(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := context.Background()
	list, err := d.Groups.ListGroupsForPeer(ctx, domain.SelfPeerID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No groups.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tOWNER\tMEMBERS\tLAST ACTIVITY")
	for _, g := range list {
		members, err := d.Groups.GetGroupMembers(ctx, g.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			g.ID,
			g.Name,
			g.Owner,
			len(members),
			g.LastActivity.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}
