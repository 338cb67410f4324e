package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fortiblox/gasreplay/pkg/report"
	"github.com/fortiblox/gasreplay/pkg/usage"
	"github.com/fortiblox/gasreplay/pkg/usagedb"
)

var errNoArchive = errors.New("no usage archive configured, set archive.path or --archive")

func (a *app) usageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect archived gas usage trees",
	}
	cmd.AddCommand(
		a.usageShowCommand(),
		a.usageAggregateCommand(),
		a.usageCompareCommand(),
	)
	return cmd
}

func (a *app) openArchive() (*usagedb.DB, error) {
	ac, ok := a.config.UsageArchive(a.log)
	if !ok {
		return nil, errNoArchive
	}
	return usagedb.Open(ac)
}

func (a *app) usageShowCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <block> <tx-hash>",
		Short: "Print the usage tree of one transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			block, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid block %q: %w", args[0], err)
			}
			var lines report.Format
			if format != "tree" {
				if lines, err = report.ParseFormat(format); err != nil {
					return err
				}
			}

			db, err := a.openArchive()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, db.Close()) }()

			tree, err := db.Get(block, args[1])
			if err != nil {
				return err
			}
			if lines == "" {
				fmt.Fprint(a.stdout, tree.Print())
				return nil
			}
			w := report.NewWriter(a.stdout, lines)
			if err := w.WriteTree(tree); err != nil {
				return err
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&format, "format", "tree", "output: tree, all, flat")
	return cmd
}

func (a *app) usageAggregateCommand() *cobra.Command {
	var from, to uint64
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Sum the root coefficients of archived trees",
		Long: `Aggregate sums the root coefficients of every archived tree in blocks
[from, to) and prints the nonzero categories. Memory word costs are not
summed; their count and total are printed separately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			db, err := a.openArchive()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, db.Close()) }()

			agg, err := db.Aggregate(from, to)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(a.stdout)
			table.SetHeader([]string{"ID", "Category", "Value"})
			table.SetBorder(false)
			for i, v := range agg.Coefficients {
				if v == 0 {
					continue
				}
				c := usage.Category(i)
				table.Append([]string{fmt.Sprintf("%#x", c.ID()), c.String(), strconv.FormatInt(v, 10)})
			}
			var memory int64
			for _, m := range agg.Memory {
				memory += m
			}
			table.SetFooter([]string{strconv.Itoa(agg.Trees) + " trees", "memory", strconv.FormatInt(memory, 10)})
			table.Render()
			return nil
		},
	}
	fl := cmd.Flags()
	fl.Uint64Var(&from, "from", 0, "first block")
	fl.Uint64Var(&to, "to", ^uint64(0), "exclusive end block")
	return cmd
}

func (a *app) usageCompareCommand() *cobra.Command {
	var (
		from, to uint64
		out      string
	)
	cmd := &cobra.Command{
		Use:   "compare <simulated-archive>",
		Short: "Compare archived live trees with a simulated archive",
		Long: `Compare pairs every tree of the configured archive with the tree of the
same transaction in the simulated archive and writes one
block,'tx',OUTCOME line per pair. Transactions missing from the simulated
archive are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			live, err := a.openArchive()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, live.Close()) }()

			sc := usagedb.DefaultConfig(args[0])
			sc.Logger = a.log
			sim, err := usagedb.Open(sc)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, sim.Close()) }()

			rc := report.DefaultConfig(out)
			rc.Logger = a.log
			w, err := report.Create(rc)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, w.Close()) }()

			ctx := cmd.Context()
			var missing uint64
			err = live.Iterate(from, to, func(tree *usage.Tree) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				other, err := sim.Get(tree.BlockNumber(), tree.TransactionHash())
				if errors.Is(err, usagedb.ErrNotFound) {
					missing++
					return nil
				}
				if err != nil {
					return err
				}
				_, err = w.WriteComparison(tree, other)
				return err
			})
			if err != nil {
				return err
			}

			outcomes := w.Outcomes()
			kv := []interface{}{"missing", missing}
			for _, o := range []usage.Outcome{usage.Good, usage.Bad, usage.Unknown, usage.UnknownChildrenMismatch, usage.Invalid} {
				kv = append(kv, o.String(), outcomes[o])
			}
			a.log.Info("Compared usage trees", kv...)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.Uint64Var(&from, "from", 0, "first block")
	fl.Uint64Var(&to, "to", ^uint64(0), "exclusive end block")
	fl.StringVarP(&out, "out", "o", "-", "comparison output file, - for stdout")
	return cmd
}
