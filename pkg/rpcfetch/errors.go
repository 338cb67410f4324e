package rpcfetch

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
)

// Package errors.
var (
	// ErrNoEndpoints is returned when the pool has no endpoints.
	ErrNoEndpoints = errors.New("no RPC endpoints available")

	// ErrClosed is returned when operating on a closed pool.
	ErrClosed = errors.New("pool is closed")

	// ErrBlockNotFound is returned when an endpoint does not have a block.
	ErrBlockNotFound = errors.New("block not found")

	// ErrReceiptMismatch is returned when fetched receipts do not match the
	// block header.
	ErrReceiptMismatch = errors.New("receipts do not match block")
)

// JSON-RPC error codes that retrying will not fix.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// IsNotFound reports whether err means the block does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBlockNotFound) || errors.Is(err, ethereum.NotFound)
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsNotFound(err) || errors.Is(err, ErrClosed) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeMethodNotFound, codeInvalidParams:
			return false
		}
	}
	return true
}
