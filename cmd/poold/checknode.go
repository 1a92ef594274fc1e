package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkNodeCmd = &cobra.Command{
	Use:   "check-node",
	Short: "Verify the node is synced and has the required index",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Close()

		node, err := newNode(cfg, logger)
		if err != nil {
			return err
		}
		defer node.Close()

		info, err := node.CheckServer(cmd.Context(), cfg.RequireIndex)
		if info != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "node %s chain=%s blocks=%d synced=%t index(%s)=%t\n",
				cfg.NodeRPCAddr(), info.Chain, info.Blocks, info.IsSynced, cfg.RequireIndex, info.HasIndex)
		}
		return err
	},
}
