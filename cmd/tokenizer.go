package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gptq/sentence/internal/dataset"
	"github.com/gptq/sentence/internal/tokenizer"
)

func newTokenizerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokenizer",
		Short: "Train and inspect BPE tokenizers",
	}

	trainCmd := &cobra.Command{
		Use:   "train CORPUS",
		Short: "Train a tokenizer on a corpus with one sentence per line",
		Args:  cobra.ExactArgs(1),
		RunE:  TokenizerTrainHandler,
	}
	trainCmd.Flags().String("config", "", "Hyperparameters JSON file")
	trainCmd.Flags().Int("vocab-size", 0, "Vocabulary size")
	trainCmd.Flags().Int("min-frequency", 0, "Minimum pair frequency for a merge")
	trainCmd.Flags().String("dir", "", "Output directory")
	trainCmd.Flags().String("prefix", "", "Output file prefix")

	encodeCmd := &cobra.Command{
		Use:   "encode TEXT",
		Short: "Tokenize text with a saved tokenizer",
		Args:  cobra.ExactArgs(1),
		RunE:  TokenizerEncodeHandler,
	}
	encodeCmd.Flags().String("config", "", "Hyperparameters JSON file the tokenizer was trained with")
	encodeCmd.Flags().String("dir", "", "Tokenizer directory (default from config)")
	encodeCmd.Flags().String("prefix", "", "Tokenizer file prefix (default from config)")

	cmd.AddCommand(trainCmd, encodeCmd)
	return cmd
}

// TokenizerTrainHandler trains and saves a tokenizer
func TokenizerTrainHandler(cmd *cobra.Command, args []string) error {
	hp, err := loadHyperParameters(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if v, _ := flags.GetInt("vocab-size"); v > 0 {
		hp.VocabSize = v
	}
	if v, _ := flags.GetInt("min-frequency"); v > 0 {
		hp.MinFrequency = v
	}
	if v, _ := flags.GetString("dir"); v != "" {
		hp.TokenizerDir = v
	}
	if v, _ := flags.GetString("prefix"); v != "" {
		hp.TokenizerPrefix = v
	}

	lines, err := dataset.ReadCorpus(args[0])
	if err != nil {
		return err
	}
	tok, err := tokenizer.Train(lines, tokenizer.TrainerConfig{
		VocabSize:     hp.VocabSize,
		MinFrequency:  hp.MinFrequency,
		SpecialTokens: hp.SpecialTokens,
	})
	if err != nil {
		return err
	}
	paths, err := tok.Save(hp.TokenizerDir, hp.TokenizerPrefix)
	if err != nil {
		return err
	}
	newLogger().Info("tokenizer trained", "lines", len(lines), "vocab_size", tok.VocabSize(), "merges", len(tok.Merges))
	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

// TokenizerEncodeHandler prints the tokens and ids of a text
func TokenizerEncodeHandler(cmd *cobra.Command, args []string) error {
	hp, err := loadHyperParameters(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("dir"); v != "" {
		hp.TokenizerDir = v
	}
	if v, _ := cmd.Flags().GetString("prefix"); v != "" {
		hp.TokenizerPrefix = v
	}
	tok, err := tokenizer.Load(hp.TokenizerDir, hp.TokenizerPrefix, hp.SpecialTokens, nil)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok.Tokenize(args[0]))
	fmt.Fprintln(cmd.OutOrStdout(), tok.Encode(args[0]))
	return nil
}
