// Command automanage-sim replays queue scenarios against the scheduler on a
// virtual clock and prints what it decided.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"magnet-queue/internal/simulation"
)

var (
	verbose         bool
	showEvents      bool
	activeDownloads int
	activeSeeds     int
	dontCountSlow   bool
)

var rootCmd = &cobra.Command{
	Use:   "automanage-sim",
	Short: "Replay auto-management scenarios",
	Long:  `automanage-sim runs the queue scheduler against simulated jobs and reports the resulting timeline.`,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in scenarios",
	RunE: func(cmd *cobra.Command, args []string) error {
		all := simulation.Scenarios()
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Scenario", "Jobs", "Duration", "Description")
		for _, name := range simulation.Names() {
			sc := all[name]
			table.Append(sc.Name, strconv.Itoa(len(sc.Jobs)), sc.Duration.String(), sc.Description)
		}
		return table.Render()
	},
}

var runCmd = &cobra.Command{
	Use:   "run <scenario>...",
	Short: "Run one or more scenarios",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScenarios,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log scheduler decisions")

	runCmd.Flags().BoolVar(&showEvents, "events", false, "print every scheduler event")
	runCmd.Flags().IntVar(&activeDownloads, "active-downloads", 0, "override the download limit (-1 is unlimited)")
	runCmd.Flags().IntVar(&activeSeeds, "active-seeds", 0, "override the seed limit (-1 is unlimited)")
	runCmd.Flags().BoolVar(&dontCountSlow, "dont-count-slow", true, "override whether slow jobs are left out of the limits")

	rootCmd.AddCommand(listCmd, runCmd)
}

func runScenarios(cmd *cobra.Command, args []string) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(logrus.WarnLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	all := simulation.Scenarios()
	summary := tablewriter.NewWriter(os.Stdout)
	summary.Header("Scenario", "Ticks", "Resumed", "Paused", "Checks", "Peak DL", "Peak Seed", "Peak Check", "Running")

	for _, name := range args {
		sc, ok := all[name]
		if !ok {
			return fmt.Errorf("unknown scenario %q (see: automanage-sim list)", name)
		}
		if cmd.Flags().Changed("active-downloads") {
			sc.Limits.ActiveDownloads = activeDownloads
		}
		if cmd.Flags().Changed("active-seeds") {
			sc.Limits.ActiveSeeds = activeSeeds
		}
		if cmd.Flags().Changed("dont-count-slow") {
			sc.Limits.DontCountSlowTorrents = dontCountSlow
		}

		res, err := simulation.Run(sc, logger)
		if err != nil {
			return fmt.Errorf("run %s: %w", name, err)
		}

		if showEvents {
			if err := printEvents(res); err != nil {
				return err
			}
		}
		summary.Append(
			name,
			strconv.Itoa(res.Ticks),
			strconv.Itoa(res.Count(simulation.KindResumed)),
			strconv.Itoa(res.Count(simulation.KindPaused)),
			strconv.Itoa(res.Count(simulation.KindCheckingStarted)),
			strconv.Itoa(res.PeakDownloads),
			strconv.Itoa(res.PeakSeeds),
			strconv.Itoa(res.PeakChecking),
			strconv.Itoa(res.Running()),
		)
	}
	return summary.Render()
}

func printEvents(res simulation.Result) error {
	fmt.Printf("\n%s: %s\n", res.Scenario.Name, res.Scenario.Description)
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Offset", "Job", "Event", "Detail")
	for _, ev := range res.Events {
		table.Append(ev.Offset.String(), ev.Job.String(), ev.Kind, ev.Detail)
	}
	return table.Render()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
