package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fortiblox/gasreplay/pkg/gascost"
)

func (a *app) scheduleCommand() *cobra.Command {
	var diff bool
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "List the live and simulated gas cost tables",
		Long: `Schedule prints every cost table entry with its live and simulated value,
overrides from the configuration file included. The names are the keys
accepted by the schedule section of the configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			live, sim, err := a.config.Tables()
			if err != nil {
				return err
			}
			d, err := a.config.Dispatcher()
			if err != nil {
				return err
			}
			changed := color.New(color.FgYellow).SprintFunc()

			table := tablewriter.NewWriter(a.stdout)
			table.SetHeader([]string{"Cost", fmt.Sprint(d.Policy(gascost.ModeLive)), fmt.Sprint(d.Policy(gascost.ModeSimulation))})
			table.SetBorder(false)
			table.SetAlignment(tablewriter.ALIGN_RIGHT)
			for _, key := range live.Keys() {
				lv, _ := live.Get(key)
				sv, _ := sim.Get(key)
				if diff && lv == sv {
					continue
				}
				row := []string{key, strconv.FormatUint(lv, 10), strconv.FormatUint(sv, 10)}
				if lv != sv {
					row[2] = changed(row[2])
				}
				table.Append(row)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&diff, "diff", false, "only list entries that differ")
	return cmd
}
