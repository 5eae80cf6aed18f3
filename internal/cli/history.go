package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/peerlink-network/peerlink/internal/app/messaging"
	"github.com/peerlink-network/peerlink/internal/daemon"
	"github.com/peerlink-network/peerlink/internal/domain"
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of messages to show")
	rootCmd.AddCommand(historyCmd)
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history PEER",
	Short: "Show the conversation with a peer, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	msgs, err := d.Messages.GetMessageHistory(context.Background(), domain.SelfPeerID, args[0],
		messaging.HistoryOptions{Limit: historyLimit})
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Printf("No messages with %s.\n", args[0])
		return nil
	}

	for _, m := range msgs {
		dir := "<-"
		if m.FromPeerID == domain.SelfPeerID {
			dir = "->"
		}
		fmt.Printf("%s %s [%s/%s] %s\n",
			m.CreatedAt.Format("2006-01-02 15:04:05"), dir, m.Transport, m.Status, m.Content)
		if m.Error != "" {
			fmt.Printf("    error: %s\n", m.Error)
		}
	}
	return nil
}
