// Package cmd implements the gptq command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gptq/sentence/internal/envconfig"
	"github.com/gptq/sentence/internal/logutil"
	"github.com/gptq/sentence/pkg/core"
	"github.com/gptq/sentence/pkg/sentence"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI builds the root command
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "gptq",
		Short:         "Train quantum-augmented sentence embedding models",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				fmt.Fprintln(cmd.OutOrStdout(), "gptq version", sentence.Version)
				return
			}
			cmd.Print(cmd.UsageString())
		},
	}
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	trainCmd := newTrainCmd()
	tokenizerCmd := newTokenizerCmd()
	evaluateCmd := newEvaluateCmd()
	configCmd := newConfigCmd()
	backendsCmd := newBackendsCmd()

	envVars := envconfig.AsMap()
	common := []envconfig.EnvVar{envVars["GPTQ_DEBUG"], envVars["GPTQ_LOG_FORMAT"]}
	for _, cmd := range []*cobra.Command{trainCmd, tokenizerCmd, evaluateCmd} {
		switch cmd {
		case trainCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["GPTQ_DEBUG"],
				envVars["GPTQ_LOG_FORMAT"],
				envVars["GPTQ_OUTPUT_DIR"],
				envVars["GPTQ_DATASET"],
				envVars["GPTQ_CORPUS"],
				envVars["GPTQ_QDEVICE"],
				envVars["GPTQ_NUM_THREADS"],
				envVars["GPTQ_SEED"],
				envVars["GPTQ_NOPROGRESS"],
			})
		default:
			appendEnvDocs(cmd, common)
		}
	}

	rootCmd.AddCommand(trainCmd, tokenizerCmd, evaluateCmd, configCmd, backendsCmd)
	return rootCmd
}

func newLogger() *slog.Logger {
	return logutil.NewLogger(os.Stderr, envconfig.LogLevel(), envconfig.LogFormat())
}

// loadHyperParameters reads --config when given, then applies GPTQ_*
// overrides. Flags are applied by the caller.
func loadHyperParameters(cmd *cobra.Command) (*core.HyperParameters, error) {
	hp := core.NewDefaultHyperParameters()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := core.LoadHyperParameters(path)
		if err != nil {
			return nil, err
		}
		hp = loaded
	}
	hp.ApplyEnv()
	return hp, nil
}
