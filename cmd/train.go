package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gptq/sentence/internal/dataset"
	"github.com/gptq/sentence/pkg/core"
	"github.com/gptq/sentence/pkg/sentence"
	"github.com/gptq/sentence/pkg/training"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the tokenizer and fine-tune a model on the STS benchmark",
		Args:  cobra.NoArgs,
		RunE:  TrainHandler,
	}
	cmd.Flags().String("config", "", "Hyperparameters JSON file")
	cmd.Flags().String("dataset", "", "Gzip STS benchmark TSV")
	cmd.Flags().String("output", "", "Directory checkpoints are written under")
	cmd.Flags().String("qdevice", "", "Quantum backend name")
	cmd.Flags().Int("epochs", 0, "Number of epochs")
	cmd.Flags().Int("batch-size", 0, "Training batch size")
	cmd.Flags().Int("n-qlayers", -1, "Number of quantum layers")
	cmd.Flags().Int("n-tlayers", -1, "Number of transformer layers")
	cmd.Flags().String("dtype", "", "Checkpoint weights dtype (F32, F16, BF16, F64)")
	cmd.Flags().String("save-config", "", "Write the effective hyperparameters to this file and exit")
	return cmd
}

func applyTrainFlags(cmd *cobra.Command, hp *core.HyperParameters) {
	flags := cmd.Flags()
	if v, _ := flags.GetString("dataset"); v != "" {
		hp.DatasetPath = v
	}
	if v, _ := flags.GetString("output"); v != "" {
		hp.OutputDir = v
	}
	if v, _ := flags.GetString("qdevice"); v != "" {
		hp.QDevice = v
	}
	if v, _ := flags.GetInt("epochs"); v > 0 {
		hp.NumEpochs = v
	}
	if v, _ := flags.GetInt("batch-size"); v > 0 {
		hp.BatchSize = v
	}
	if v, _ := flags.GetInt("n-qlayers"); v >= 0 {
		hp.NumQLayers = v
	}
	if v, _ := flags.GetInt("n-tlayers"); v >= 0 {
		hp.NumTLayers = v
	}
	if v, _ := flags.GetString("dtype"); v != "" {
		hp.WeightsDType = v
	}
}

// TrainHandler runs the training pipeline
func TrainHandler(cmd *cobra.Command, _ []string) error {
	hp, err := loadHyperParameters(cmd)
	if err != nil {
		return err
	}
	applyTrainFlags(cmd, hp)

	if path, _ := cmd.Flags().GetString("save-config"); path != "" {
		if err := hp.Validate(); err != nil {
			return err
		}
		return core.SaveHyperParameters(hp, path)
	}

	res, err := training.Run(cmd.Context(), hp, newLogger())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "model saved to %s after %d steps (dev score %.4f)\n", res.OutputPath, res.Steps, res.DevScore)
	if res.Test != nil {
		renderSimilarity(cmd, res.Test)
	}
	return nil
}

func renderSimilarity(cmd *cobra.Command, r *training.SimilarityResult) {
	renderTable(cmd, []string{"SIMILARITY", "PEARSON", "SPEARMAN"}, r.Rows())
}

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate MODEL_DIR",
		Short: "Score a saved model on one split of the STS benchmark",
		Args:  cobra.ExactArgs(1),
		RunE:  EvaluateHandler,
	}
	cmd.Flags().String("config", "", "Hyperparameters JSON file")
	cmd.Flags().String("dataset", "", "Gzip STS benchmark TSV (default from config)")
	cmd.Flags().String("split", dataset.SplitTest, "Split to evaluate (train, dev or test)")
	cmd.Flags().Int("batch-size", 16, "Encoding batch size")
	cmd.Flags().Bool("write-csv", false, "Append results to MODEL_DIR/eval")
	return cmd
}

// EvaluateHandler scores a checkpoint directory
func EvaluateHandler(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	hp, err := loadHyperParameters(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("dataset"); v != "" {
		hp.DatasetPath = v
	}

	split, _ := cmd.Flags().GetString("split")
	if split != dataset.SplitTrain && split != dataset.SplitDev && split != dataset.SplitTest {
		return fmt.Errorf("unknown split %q", split)
	}

	splits, err := dataset.ReadSTS(hp.DatasetPath, logger)
	if err != nil {
		return err
	}
	examples := splits.Test
	switch split {
	case dataset.SplitTrain:
		examples = splits.Train
	case dataset.SplitDev:
		examples = splits.Dev
	}

	model, err := sentence.Load(args[0], nil)
	if err != nil {
		return err
	}
	defer model.Close()

	eval := training.NewEmbeddingSimilarityEvaluatorFromExamples(examples, "sts-"+split)
	eval.BatchSize, _ = cmd.Flags().GetInt("batch-size")
	eval.Logger = logger

	result, err := eval.Compute(cmd.Context(), model)
	if err != nil {
		return err
	}
	if writeCSV, _ := cmd.Flags().GetBool("write-csv"); writeCSV {
		if err := eval.AppendCSV(args[0], -1, -1, result); err != nil {
			return err
		}
	}
	logger.Info("evaluation", "name", eval.Name, "examples", len(examples), "main_score", result.MainScore())
	renderSimilarity(cmd, result)
	return nil
}
