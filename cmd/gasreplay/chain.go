package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fortiblox/gasreplay/pkg/chainstore"
	"github.com/fortiblox/gasreplay/pkg/rpcfetch"
)

// openChain opens the source chain, or the destination when dest is set.
func (a *app) openChain(dest, writable bool) (*chainstore.Store, error) {
	c := a.config.SourceStore(a.log.With("store", "source"))
	if dest {
		c = a.config.DestStore(a.log.With("store", "dest"))
	}
	c.ReadOnly = !writable
	s, err := chainstore.Open(c)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.Path, err)
	}
	return s, nil
}

func (a *app) importCommand() *cobra.Command {
	var dest bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Append the blocks of an RLP block file to the source chain",
		Long: `Import reads a concatenated RLP block stream, as written by geth export or
gasreplay export, and appends its blocks to the source chain without
validating them. Files ending in .gz or .zst are decompressed; - reads
standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			store, err := a.openChain(dest, true)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, store.Close()) }()

			in, err := chainstore.OpenBlockFile(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			n, err := chainstore.ImportRLP(cmd.Context(), store, in, a.log)
			head, hash := store.CurrentHead()
			a.log.Info("Imported blocks", "count", n, "head", head, "hash", hash)
			return err
		},
	}
	cmd.Flags().BoolVar(&dest, "into-dest", false, "import into the destination chain instead")
	return cmd
}

func (a *app) fetchCommand() *cobra.Command {
	var (
		endpoints []string
		from, to  uint64
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download blocks and receipts from JSON-RPC endpoints into the source chain",
		Long: `Fetch downloads blocks [from, to) with their receipts from one or more
Ethereum JSON-RPC endpoints and appends them to the source chain. By default
it continues after the source head and stops at the best endpoint head.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			if cmd.Flags().Changed("rpc") {
				a.config.Fetch.Endpoints = endpoints
			}
			ctx := cmd.Context()
			pool, err := rpcfetch.Dial(ctx, a.config.Fetch.Endpoints, a.config.Fetch.LagThreshold)
			if err != nil {
				return err
			}
			defer pool.Close()
			pool.SetOnHealthChange(func(url string, healthy bool) {
				a.log.Warn("Endpoint health changed", "url", url, "healthy", healthy)
			})

			fetcher, err := rpcfetch.NewFetcher(pool, a.config.Fetcher(a.log))
			if err != nil {
				return err
			}

			store, err := a.openChain(false, true)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, store.Close()) }()

			start := from
			if !cmd.Flags().Changed("from") {
				if head, hash := store.CurrentHead(); hash != (common.Hash{}) {
					start = head + 1
				}
			}
			end := to
			if end == 0 {
				best, err := fetcher.Head(ctx)
				if err != nil {
					return fmt.Errorf("query endpoint heads: %w", err)
				}
				end = best + 1
			}
			_, err = fetcher.Run(ctx, store, start, end)
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringSliceVar(&endpoints, "rpc", nil, "JSON-RPC endpoint URLs")
	fl.Uint64Var(&from, "from", 0, "first height (default source head + 1)")
	fl.Uint64Var(&to, "to", 0, "exclusive end height (0 = best endpoint head + 1)")
	return cmd
}

func (a *app) exportCommand() *cobra.Command {
	var (
		dest     bool
		from, to uint64
	)
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Write canonical blocks as an RLP block file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			store, err := a.openChain(dest, false)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, store.Close()) }()

			end := to
			if end == 0 {
				head, hash := store.CurrentHead()
				if hash == (common.Hash{}) {
					return errEmptySource
				}
				end = head + 1
			}

			out, err := chainstore.CreateBlockFile(args[0])
			if err != nil {
				return err
			}
			n, err := chainstore.ExportRLP(cmd.Context(), store, out, from, end)
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			a.log.Info("Exported blocks", "count", n, "from", from, "to", end)
			return err
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&dest, "from-dest", false, "export the destination chain instead")
	fl.Uint64Var(&from, "from", 0, "first height")
	fl.Uint64Var(&to, "to", 0, "exclusive end height (0 = head + 1)")
	return cmd
}

func (a *app) readCommand() *cobra.Command {
	var dest bool
	cmd := &cobra.Command{
		Use:   "read <from> [to]",
		Short: "Print number,gasUsed for canonical blocks",
		Long: `Read walks the canonical blocks [from, to) and prints one
number,gasUsed line per block. Without to, only from is printed.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			from, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid height %q: %w", args[0], err)
			}
			to := from + 1
			if len(args) == 2 {
				if to, err = strconv.ParseUint(args[1], 10, 64); err != nil {
					return fmt.Errorf("invalid height %q: %w", args[1], err)
				}
			}

			store, err := a.openChain(dest, false)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, store.Close()) }()

			ctx := cmd.Context()
			for number := from; number < to; number++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				block, err := chainstore.ReadBlock(store, number)
				if err != nil {
					return fmt.Errorf("block %d: %w", number, err)
				}
				fmt.Fprintf(a.stdout, "%d,%d\n", number, block.GasUsed())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dest, "from-dest", false, "read the destination chain instead")
	return cmd
}

func (a *app) headCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "head",
		Short: "Show the heads of the source and destination chains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table := tablewriter.NewWriter(a.stdout)
			table.SetHeader([]string{"Chain", "Path", "Head", "Hash", "Blocks"})
			table.SetBorder(false)
			for _, dest := range []bool{false, true} {
				name, path := "source", a.config.Source.Path
				if dest {
					name, path = "dest", a.config.Dest.Path
				}
				store, err := a.openChain(dest, false)
				if err != nil {
					a.log.Debug("Chain unavailable", "chain", name, "err", err)
					table.Append([]string{name, path, "-", "-", "-"})
					continue
				}
				number, hash := store.CurrentHead()
				head := strconv.FormatUint(number, 10)
				if hash == (common.Hash{}) {
					head = "empty"
				}
				table.Append([]string{name, path, head, hash.Hex(), strconv.FormatUint(store.BlockCount(), 10)})
				if err := store.Close(); err != nil {
					return err
				}
			}
			table.Render()
			return nil
		},
	}
}
