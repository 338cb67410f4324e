// Package rpcfetch downloads blocks and their receipts from Ethereum JSON-RPC
// endpoints into a chain store.
//
// The package consists of two components:
//
//   - Pool: the endpoints, with round-robin selection and health tracking
//   - Fetcher: retries, receipt verification and in-order appends
//
// # Usage
//
//	pool, err := rpcfetch.Dial(ctx, []string{"http://localhost:8545"}, 0)
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	fetcher, err := rpcfetch.NewFetcher(pool, rpcfetch.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	n, err := fetcher.Run(ctx, store, 0, 1_000_000)
//
// Receipts are checked against the header's receipt root before a block is
// appended, so a source chain filled by the fetcher can be replayed with
// receipts required.
package rpcfetch
