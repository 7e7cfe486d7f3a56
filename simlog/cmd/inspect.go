package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarchlab/simlog/event"
	"github.com/sarchlab/simlog/eventlog"
)

func newInspectCmd() *cobra.Command {
	var (
		scenarioName string
		runID        string
		showEvents   bool
	)

	inspectCmd := &cobra.Command{
		Use:   "inspect <log>",
		Short: "Check the ordering of an event log and summarize it.",
		Long: `Inspect reads a JSON or SQLite event log back, checks that its events ` +
			`are in (time, sequence) order without gaps and prints the run outcome ` +
			`and the number of events per topic. Payloads are validated against the ` +
			`topics of --scenario, or accepted as any object when it is not given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.Context(), cmd.OutOrStdout(), args[0],
				scenarioName, runID, showEvents)
		},
	}

	inspectCmd.Flags().StringVar(&scenarioName, "scenario", "",
		"scenario that produced the log")
	inspectCmd.Flags().StringVar(&runID, "run-id", "",
		"run to read the outcome of, for SQLite logs")
	inspectCmd.Flags().BoolVar(&showEvents, "events", false, "print every event")

	return inspectCmd
}

func isSQLite(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sqlite", ".sqlite3", ".db":
		return true
	default:
		return false
	}
}

// topicRegistry declares the topics of a scenario, or of a manifest with
// schemas that accept any object.
func topicRegistry(
	scenarioName string,
	manifest eventlog.Manifest,
) (*event.Registry, error) {
	reg := event.NewRegistry()

	var specs []event.TopicSpec

	if scenarioName != "" {
		sc, err := lookupScenario(scenarioName)
		if err != nil {
			return nil, err
		}

		specs = sc.topics
	} else {
		for topic, desc := range manifest.Topics {
			specs = append(specs, event.TopicSpec{Topic: topic, Description: desc})
		}
	}

	for _, spec := range specs {
		if _, ok := reg.Lookup(spec.Topic); ok {
			continue
		}

		if err := reg.Declare(spec); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func inspect(
	ctx context.Context,
	w io.Writer,
	path, scenarioName, runID string,
	showEvents bool,
) error {
	var (
		manifest    eventlog.Manifest
		hasManifest bool
		events      []*event.Event
	)

	if isSQLite(path) {
		db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
		if err != nil {
			return err
		}
		defer db.Close()

		if runID != "" {
			manifest, err = eventlog.ReadSQLiteManifest(ctx, db, runID)
			if err != nil {
				return fmt.Errorf("reading outcome of run %s: %w", runID, err)
			}

			hasManifest = true
		}

		reg, err := topicRegistry(scenarioName, manifest)
		if err != nil {
			return err
		}

		events, err = eventlog.ReadSQLite(ctx, reg, db)
		if err != nil {
			return err
		}
	} else {
		m, err := eventlog.ReadManifest(eventlog.ManifestPathFor(path))
		if err == nil {
			manifest, hasManifest = m, true
		}

		reg, err := topicRegistry(scenarioName, manifest)
		if err != nil {
			return err
		}

		events, err = eventlog.ReadJSONFile(reg, path)
		if err != nil {
			return err
		}
	}

	if hasManifest {
		printManifest(w, manifest)
	}

	if err := eventlog.CheckOrder(events); err != nil {
		fmt.Fprintf(w, "order: %v\n", err)
		return err
	}

	fmt.Fprintf(w, "order: ok, %d events\n", len(events))

	printTopicCounts(w, events)

	if showEvents {
		for _, evt := range events {
			fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\n",
				evt.Sequence(), evt.Time(), evt.Topic(), evt.Payload())
		}
	}

	return nil
}

func printManifest(w io.Writer, m eventlog.Manifest) {
	fmt.Fprintf(w, "run %s %s", m.RunID, m.Status)

	if m.Reason != "" {
		fmt.Fprintf(w, ": %s", m.Reason)
	}

	fmt.Fprintln(w)

	if m.FailedSequence != nil {
		fmt.Fprintf(w, "failed at event %d", *m.FailedSequence)

		if m.FailedTime != nil {
			fmt.Fprintf(w, " (t=%.4f)", *m.FailedTime)
		}

		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "durable events: %d\n", m.DurableEvents)

	for _, f := range m.Failures {
		fmt.Fprintf(w, "listener %s failed on %s #%d: %s\n",
			f.Listener, f.Topic, f.Sequence, f.Error)
	}
}

func printTopicCounts(w io.Writer, events []*event.Event) {
	counts := map[event.Topic]int{}
	for _, evt := range events {
		counts[evt.Topic()]++
	}

	topics := make([]event.Topic, 0, len(counts))
	for topic := range counts {
		topics = append(topics, topic)
	}

	slices.Sort(topics)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, topic := range topics {
		fmt.Fprintf(tw, "%s\t%d\n", topic, counts[topic])
	}

	_ = tw.Flush()
}
