package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarchlab/simlog/event"
)

func newTopicsCmd() *cobra.Command {
	var showSchema bool

	topicsCmd := &cobra.Command{
		Use:   "topics [scenario]",
		Short: "List the scenarios, or the topics of a scenario.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if len(args) == 0 {
				for _, name := range scenarioNames() {
					fmt.Fprintf(tw, "%s\t%s\n", name, scenarios[name].description)
				}

				return nil
			}

			sc, err := lookupScenario(args[0])
			if err != nil {
				return err
			}

			reg := event.NewRegistry()
			for _, spec := range sc.topics {
				if err := reg.Declare(spec); err != nil {
					return err
				}
			}

			for _, spec := range reg.Topics() {
				fmt.Fprintf(tw, "%s\t%s\n", spec.Topic, spec.Description)

				if showSchema && spec.Schema != "" {
					schema := &bytes.Buffer{}
					if err := json.Compact(schema, []byte(spec.Schema)); err != nil {
						return err
					}

					fmt.Fprintf(tw, "\t%s\n", schema)
				}
			}

			return nil
		},
	}

	topicsCmd.Flags().BoolVar(&showSchema, "schema", false, "print payload schemas")

	return topicsCmd
}
