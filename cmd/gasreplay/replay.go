package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fortiblox/gasreplay/pkg/chainstore"
	"github.com/fortiblox/gasreplay/pkg/executor"
	"github.com/fortiblox/gasreplay/pkg/replayer"
	"github.com/fortiblox/gasreplay/pkg/report"
	"github.com/fortiblox/gasreplay/pkg/usagedb"
	"github.com/fortiblox/gasreplay/pkg/validator"
)

var errEmptySource = errors.New("source chain is empty")

type replayFlags struct {
	end             uint64
	progress        uint64
	report          string
	reportFormat    string
	headerMode      string
	ommerMode       string
	mode            string
	requireReceipts bool
	execute         bool
	state           string
	genesis         string
}

func (a *app) replayCommand() *cobra.Command {
	var f replayFlags
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay source blocks into the destination chain",
		Long: `Replay validates every source block from the destination head + 1 up to
--end (exclusive, default the source head + 1) and appends it to the
destination chain. Usage trees are written to the report and the archive
when they are configured. The first invalid block stops the replay.

With --execute every block is re-executed on a local state database and the
usage trees hold the full call tree of each transaction. Replaying from
genesis commits the genesis state first; later heights need the state of
their parent from an earlier run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.applyReplayFlags(cmd, f); err != nil {
				return err
			}
			return a.runReplay(cmd)
		},
	}
	fl := cmd.Flags()
	fl.Uint64Var(&f.end, "end", 0, "exclusive end height (0 = source head + 1)")
	fl.Uint64Var(&f.progress, "progress", 0, "heights between progress lines")
	fl.StringVar(&f.report, "report", "", "usage report file, - for stdout")
	fl.StringVar(&f.reportFormat, "report-format", "", "report format: all, flat")
	fl.StringVar(&f.headerMode, "header-mode", "", "header validation: none, light, full")
	fl.StringVar(&f.ommerMode, "ommer-mode", "", "ommer validation: none, light, full")
	fl.StringVar(&f.mode, "mode", "", "gas schedule charged by accounting: live, simulation")
	fl.BoolVar(&f.requireReceipts, "require-receipts", false, "fail blocks whose receipts are missing")
	fl.BoolVar(&f.execute, "execute", false, "re-execute blocks and trace every call frame")
	fl.StringVar(&f.state, "state", "", "state database directory used by --execute")
	fl.StringVar(&f.genesis, "genesis", "", "genesis JSON file (default mainnet)")
	return cmd
}

func (a *app) applyReplayFlags(cmd *cobra.Command, f replayFlags) error {
	flags := cmd.Flags()
	c := &a.config
	if flags.Changed("end") {
		c.Replay.End = f.end
	}
	if flags.Changed("progress") {
		c.Replay.ProgressInterval = f.progress
	}
	if flags.Changed("report") {
		c.Report.Path = f.report
	}
	if flags.Changed("report-format") {
		c.Report.Format = f.reportFormat
	}
	if flags.Changed("header-mode") {
		m, err := replayer.ParseValidationMode(f.headerMode)
		if err != nil {
			return err
		}
		c.Replay.HeaderMode = m
	}
	if flags.Changed("ommer-mode") {
		m, err := replayer.ParseValidationMode(f.ommerMode)
		if err != nil {
			return err
		}
		c.Replay.OmmerMode = m
	}
	if flags.Changed("mode") {
		c.Validator.Mode = f.mode
	}
	if flags.Changed("require-receipts") {
		c.Validator.RequireReceipts = f.requireReceipts
	}
	if flags.Changed("execute") {
		c.State.Execute = f.execute
	}
	if flags.Changed("state") {
		c.State.Path = f.state
	}
	if flags.Changed("genesis") {
		c.State.Genesis = f.genesis
	}
	return c.Validate()
}

// usageSink forwards the trees of each replayed block to the report and the
// archive.
type usageSink struct {
	report  *report.Writer
	archive *usagedb.DB
	trees   uint64
}

func (s *usageSink) record(result *replayer.BlockResult) error {
	if len(result.Usage) == 0 {
		return nil
	}
	s.trees += uint64(len(result.Usage))
	if s.report != nil {
		if err := s.report.WriteTrees(result.Usage); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if s.archive != nil {
		if err := s.archive.Put(result.Usage...); err != nil {
			return fmt.Errorf("archive usage: %w", err)
		}
	}
	return nil
}

func (a *app) runReplay(cmd *cobra.Command) (err error) {
	source, err := chainstore.Open(a.config.SourceStore(a.log.With("store", "source")))
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() { err = errors.Join(err, source.Close()) }()

	dest, err := chainstore.Open(a.config.DestStore(a.log.With("store", "dest")))
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer func() { err = errors.Join(err, dest.Close()) }()

	vc, err := a.config.BlockValidator(source, a.log)
	if err != nil {
		return err
	}
	ec, execute, err := a.config.Executor(a.log.With("state", a.config.State.Path))
	if err != nil {
		return err
	}
	if execute {
		ex, oerr := executor.Open(ec)
		if oerr != nil {
			return oerr
		}
		defer func() { err = errors.Join(err, ex.Close()) }()
		vc.Executor = ex
	}

	sink := new(usageSink)
	if rc, ok := a.config.ReportWriter(a.log); ok {
		w, cerr := report.Create(rc)
		if cerr != nil {
			return cerr
		}
		defer func() { err = errors.Join(err, w.Close()) }()
		sink.report = w
	}
	if ac, ok := a.config.UsageArchive(a.log); ok {
		db, oerr := usagedb.Open(ac)
		if oerr != nil {
			return oerr
		}
		defer func() { err = errors.Join(err, db.Close()) }()
		sink.archive = db
	}

	end := a.config.Replay.End
	if end == 0 {
		head, hash := source.CurrentHead()
		if hash == (common.Hash{}) {
			return errEmptySource
		}
		end = head + 1
	}

	rc := a.config.Replayer(a.log)
	rc.OnBlockReplayed = sink.record
	r := replayer.New(source, dest, validator.New(vc), rc)

	summary, err := r.Run(cmd.Context(), end)
	if summary != nil {
		a.printSummary(summary, sink.trees)
	}
	if verr, ok := replayer.AsValidationError(err); ok {
		color.New(color.FgRed, color.Bold).Fprintf(a.stderr, "Block %d (%s) failed validation\n", verr.Number, verr.Hash.Hex())
		fmt.Fprintln(a.stderr, verr.Dump())
	}
	return err
}

func (a *app) printSummary(s *replayer.Summary, trees uint64) {
	table := tablewriter.NewWriter(a.stdout)
	table.SetHeader([]string{"From", "To", "Blocks", "Txs", "Gas", "Rewinds", "Trees", "Elapsed"})
	table.SetBorder(false)
	table.Append([]string{
		strconv.FormatUint(s.From, 10),
		strconv.FormatUint(s.To, 10),
		strconv.FormatUint(s.Blocks, 10),
		strconv.FormatUint(s.Transactions, 10),
		strconv.FormatUint(s.GasUsed, 10),
		strconv.FormatUint(s.Rewinds, 10),
		strconv.FormatUint(trees, 10),
		common.PrettyDuration(s.Elapsed).String(),
	})
	table.Render()
}
