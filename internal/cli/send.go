package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/peerlink-network/peerlink/internal/app/groups"
	"github.com/peerlink-network/peerlink/internal/domain"
)

func init() {
	sendCmd.Flags().StringVarP(&sendTransport, "transport", "t", "auto", "Transport to use")
	sendCmd.Flags().BoolVarP(&sendGroup, "group", "g", false, "Treat TARGET as a group id")
	sendCmd.Flags().StringSliceVar(&sendExclude, "exclude", nil, "Group members to skip")
	rootCmd.AddCommand(sendCmd)
}

var (
	sendTransport string
	sendGroup     bool
	sendExclude   []string
)

var sendCmd = &cobra.Command{
	Use:   "send TARGET MESSAGE...",
	Short: "Send a message to a peer or a group through the running daemon",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	t, err := domain.ParseTransportType(sendTransport)
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	content := strings.Join(args[1:], " ")

	if !sendGroup {
		var msg domain.Message
		err := c.do("POST", "/api/messages", map[string]interface{}{
			"to":        args[0],
			"content":   content,
			"transport": t,
		}, &msg)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s via %s\n", msg.ID, msg.Status, msg.Transport)
		return nil
	}

	var res struct {
		Sent       bool                     `json:"sent"`
		Partial    bool                     `json:"partial"`
		Recipients []groups.RecipientResult `json:"recipients"`
	}
	err = c.do("POST", "/api/groups/"+args[0]+"/send", groups.GroupSend{
		Type:           groups.SendMessage,
		Message:        content,
		Transport:      t,
		ExcludeMembers: sendExclude,
	}, &res)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tSTATUS\tTRANSPORT\tERROR")
	for _, r := range res.Recipients {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.PeerID, r.Status, r.Transport, r.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if res.Partial {
		return fmt.Errorf("some recipients failed")
	}
	return nil
}
