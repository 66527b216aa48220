// wolyd — the Woly fleet command plane.
//
// Node agents connect over WebSocket; operators drive Wake-on-LAN and
// power commands through the durable command queue; webhooks and push
// notifications fan out domain events.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	flagConfig string
	flagDebug  bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wolyd",
		Short: "Woly fleet command plane",
		Long: `wolyd is the backend for a fleet of Wake-on-LAN node agents.

Nodes connect outbound over WebSocket and report the hosts on their LAN
segment. Operators wake, sleep, shut down, ping, and scan those hosts
through a durable command queue that survives node outages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to YAML config file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Force debug log level")

	root.AddCommand(
		newServeCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the wolyd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("wolyd", version)
		},
	}
}
