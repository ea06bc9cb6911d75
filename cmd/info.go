package cmd

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gptq/sentence/internal/envconfig"
	"github.com/gptq/sentence/pkg/quantum"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		RunE:  ConfigHandler,
	}
}

// ConfigHandler lists every GPTQ_* variable with its effective value
func ConfigHandler(cmd *cobra.Command, _ []string) error {
	vars := envconfig.AsMap()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	slices.Sort(names)

	var data [][]string
	for _, name := range names {
		v := vars[name]
		data = append(data, []string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}
	renderTable(cmd, []string{"NAME", "VALUE", "DESCRIPTION"}, data)
	return nil
}

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List quantum backends",
		Args:  cobra.NoArgs,
		RunE:  BackendsHandler,
	}
}

// BackendsHandler opens every registered backend and lists its capabilities
func BackendsHandler(cmd *cobra.Command, _ []string) error {
	var data [][]string
	for _, name := range quantum.Names() {
		b, err := quantum.Open(name, quantum.Options{Workers: int(envconfig.NumThreads())})
		if err != nil {
			return err
		}
		data = append(data, []string{
			name,
			strconv.Itoa(b.MaxQubits()),
			strconv.FormatBool(b.SupportsGradient()),
			strconv.Itoa(quantum.Workers(b)),
		})
		if err := b.Close(); err != nil {
			return err
		}
	}
	renderTable(cmd, []string{"NAME", "MAX QUBITS", "GRADIENT", "WORKERS"}, data)
	return nil
}

func renderTable(cmd *cobra.Command, header []string, data [][]string) {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
