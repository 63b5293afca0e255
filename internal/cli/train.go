package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devmesh/devmesh/internal/daemon"
)

func init() {
	trainCmd.Flags().StringVar(&trainDevices, "devices", "", "Comma-separated device tags (overrides config)")
	trainCmd.Flags().IntVar(&trainEpochs, "epochs", 0, "Number of epochs (overrides config)")
	trainCmd.Flags().BoolVar(&trainBlocking, "blocking", false, "Run the model in-process instead of in worker processes")
	rootCmd.AddCommand(trainCmd)
}

var (
	trainDevices  string
	trainEpochs   int
	trainBlocking bool
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run a data-parallel training run across devices",
	Long: `Spawn one worker per device, train the reference model for the configured
number of epochs and print a per-epoch summary. Progress is recorded in the
state DB and can be inspected later with 'devmesh runs'.`,
	Args: cobra.NoArgs,
	RunE: runTrain,
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	if trainEpochs > 0 {
		cfg.Training.Epochs = trainEpochs
	}
	if trainBlocking {
		cfg.Devices.Blocking = true
	}

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := interruptible()
	defer stop()

	rep, err := d.Train(ctx, splitList(trainDevices))
	if rep != nil {
		fmt.Printf("run %s\n", rep.RunID)
		tw := newTable(os.Stdout, "EPOCH", "TRAIN COST", "EVAL COST", "EVAL ERROR", "BATCHES", "SKIPPED")
		for _, e := range rep.Epochs {
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
		if len(rep.Abandoned) > 0 {
			fmt.Printf("abandoned: %s\n", strings.Join(rep.Abandoned, ", "))
		}
	}
	return err
}
