package cli

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devmesh/devmesh/internal/daemon"
	"github.com/devmesh/devmesh/internal/domain"
)

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to show")
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent training runs",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show epochs, batch tallies and device events of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func runRuns(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	runs, err := d.Runs(runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs yet. Run 'devmesh train' to start one.")
		return nil
	}

	tw := newTable(os.Stdout, "ID", "STATUS", "DEVICES", "EPOCHS", "COST", "STARTED", "TOOK")
	for _, r := range runs {
		tw.Append([]string{
			r.ID,
			string(r.Status),
			strings.Join(r.Devices, ","),
			strconv.Itoa(r.Epochs),
			formatCost(r.FinalCost),
			formatAgo(r.StartedAt),
			formatElapsed(r.StartedAt, r.FinishedAt),
		})
	}
	tw.Render()
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	id := args[0]
	run, err := d.DB.GetRun(id)
	if err != nil {
		return err
	}
	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Devices:  %s\n", strings.Join(run.Devices, ", "))
	fmt.Printf("Started:  %s (%s)\n", run.StartedAt.Format("2006-01-02 15:04:05"), formatAgo(run.StartedAt))
	fmt.Printf("Took:     %s\n", formatElapsed(run.StartedAt, run.FinishedAt))
	fmt.Printf("Cost:     %s\n", formatCost(run.FinalCost))
	if run.Error != "" {
		fmt.Printf("Error:    %s\n", run.Error)
	}

	counts, err := d.DB.BatchCounts(id)
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		statuses := make([]string, 0, len(counts))
		for s := range counts {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = fmt.Sprintf("%s=%d", s, counts[domain.BatchStatus(s)])
		}
		fmt.Printf("Batches:  %s\n", strings.Join(parts, " "))
	}

	epochs, err := d.DB.ListEpochs(id)
	if err != nil {
		return err
	}
	if len(epochs) > 0 {
		fmt.Println()
		tw := newTable(os.Stdout, "EPOCH", "TRAIN COST", "EVAL COST", "EVAL ERROR", "BATCHES", "SKIPPED")
		for _, e := range epochs {
			tw.Append([]string{
				strconv.Itoa(e.Epoch),
				formatCost(e.TrainCost),
				formatCost(e.EvalCost),
				fmt.Sprintf("%.1f%%", e.EvalError*100),
				strconv.Itoa(e.Batches),
				strconv.Itoa(e.Skipped),
			})
		}
		tw.Render()
	}

	events, err := d.DB.ListEvents(id)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		fmt.Println()
		tw := newTable(os.Stdout, "TIME", "DEVICE", "EVENT", "DETAIL")
		for _, e := range events {
			tw.Append([]string{e.At.Format("15:04:05.000"), e.Device, string(e.Kind), e.Detail})
		}
		tw.Render()
	}
	return nil
}
