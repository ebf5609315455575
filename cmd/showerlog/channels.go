package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fako1024/btshower"
	"github.com/spf13/cobra"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Show the channel metadata table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := setup(cmd)
		if err != nil {
			return err
		}
		metadata, err := cfg.metadata()
		if err != nil {
			return err
		}
		return printChannels(cmd.OutOrStdout(), metadata)
	},
}

func printChannels(out io.Writer, metadata *btshower.MetadataTable) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tNAME\tBYTES\tUNIT")
	for _, c := range metadata.Channels() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.ID, c.Name, c.Width, c.Unit)
	}
	return w.Flush()
}
