package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"isolend/core/events"
	"isolend/core/types"
	"isolend/protocol"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		scenarioPath string
		quietEvents  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a YAML scenario against the deployment",
		Long: `run boots the deployment described by --config, replays the steps of
--scenario in order and prints every step outcome, the committed events and
the resulting market, reserve and auction state. A persistent backend keeps
the state between runs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(scenarioPath) == "" {
				return errors.New("--scenario is required")
			}
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			sc, err := protocol.LoadScenario(scenarioPath)
			if err != nil {
				return err
			}
			logger, closer := setupLogger(cfg, cmd.ErrOrStderr())
			defer closer.Close()

			d, err := openDeployment(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer d.close()

			results, runErr := d.protocol.Run(cmd.Context(), sc)
			out := cmd.OutOrStdout()
			printResults(out, results)
			if !quietEvents {
				printEvents(out, d.recorder.Events())
			}
			if err := printState(out, d.protocol); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&scenarioPath, "scenario", "", "path to the YAML scenario")
	cmd.Flags().BoolVar(&quietEvents, "no-events", false, "do not print committed events")
	return cmd
}

func printResults(out io.Writer, results []protocol.StepResult) {
	fmt.Fprintln(out, "STEPS")
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tACTION\tPERIOD\tOUTCOME")
	for _, r := range results {
		outcome := "ok"
		if r.Err != nil {
			outcome = "error: " + r.Err.Error()
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", r.Index, r.Action, r.Period, outcome)
	}
	w.Flush()
}

func printEvents(out io.Writer, evts []events.Event) {
	fmt.Fprintf(out, "\nEVENTS (%d)\n", len(evts))
	for _, evt := range evts {
		raw, ok := evt.(*types.Event)
		if !ok {
			fmt.Fprintf(out, "  %s\n", evt.EventType())
			continue
		}
		parts := make([]string, 0, len(raw.Attributes))
		for _, key := range raw.Keys() {
			parts = append(parts, key+"="+raw.Attributes[key])
		}
		fmt.Fprintf(out, "  %s %s\n", raw.Type, strings.Join(parts, " "))
	}
}
