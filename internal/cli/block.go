package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/peerlink-network/peerlink/internal/daemon"
)

func init() {
	rootCmd.AddCommand(blockCmd, unblockCmd)
}

var blockCmd = &cobra.Command{
	Use:   "block PEER",
	Short: "Block a peer; its payloads are dropped and it is hidden from discovery",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setBlocked(args[0], true) },
}

var unblockCmd = &cobra.Command{
	Use:   "unblock PEER",
	Short: "Unblock a peer",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setBlocked(args[0], false) },
}

func setBlocked(peerID string, blocked bool) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Peers.SetBlocked(context.Background(), peerID, blocked); err != nil {
		return err
	}

	if blocked {
		fmt.Printf("Blocked %s\n", peerID)
	} else {
		fmt.Printf("Unblocked %s\n", peerID)
	}
	return nil
}
