package replayer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/fortiblox/gasreplay/pkg/chainstore"
	"github.com/fortiblox/gasreplay/pkg/usage"
)

// ValidationMode selects how thoroughly a block part is checked.
type ValidationMode uint8

const (
	ValidationNone ValidationMode = iota
	ValidationLight
	ValidationFull
)

func (m ValidationMode) String() string {
	switch m {
	case ValidationNone:
		return "none"
	case ValidationLight:
		return "light"
	case ValidationFull:
		return "full"
	default:
		return fmt.Sprintf("ValidationMode(%d)", uint8(m))
	}
}

// ParseValidationMode parses "none", "light" or "full".
func ParseValidationMode(s string) (ValidationMode, error) {
	switch strings.ToLower(s) {
	case "none":
		return ValidationNone, nil
	case "light":
		return ValidationLight, nil
	case "full":
		return ValidationFull, nil
	default:
		return 0, fmt.Errorf("unknown validation mode %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m ValidationMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ValidationMode) UnmarshalText(text []byte) error {
	v, err := ParseValidationMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// BlockValidator validates a block against the chain it is about to extend
// and yields the receipts to store with it.
type BlockValidator interface {
	ValidateAndProcessBlock(ctx context.Context, chain chainstore.Reader, block *types.Block, headerMode, ommerMode ValidationMode) *ValidationResult
}

// ValidationResult is the outcome of validating one block.
type ValidationResult struct {
	// Success reports whether the block is valid.
	Success bool

	// Receipts are the receipts to append with the block.
	Receipts types.Receipts

	// Usage holds one gas usage tree per transaction, when the validator
	// accounts for gas.
	Usage []*usage.Tree

	// Cause is the underlying error of a failed validation.
	Cause error

	// Message describes a failed validation.
	Message string

	// Partial is set when the block failed after some of its parts were
	// already accepted.
	Partial bool
}

// Succeeded returns a successful result.
func Succeeded(receipts types.Receipts, trees []*usage.Tree) *ValidationResult {
	return &ValidationResult{Success: true, Receipts: receipts, Usage: trees}
}

// Failed returns a failed result.
func Failed(cause error, partial bool, format string, args ...any) *ValidationResult {
	return &ValidationResult{
		Cause:   cause,
		Message: fmt.Sprintf(format, args...),
		Partial: partial,
	}
}

// ValidationError reports a block the validator rejected.
type ValidationError struct {
	Number uint64
	Hash   common.Hash
	Result *ValidationResult
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: block %d (%s)", ErrValidationFailed, e.Number, e.Hash.TerminalString())
	if e.Result == nil {
		b.WriteString(": no result")
		return b.String()
	}
	if e.Result.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Result.Message)
	}
	if e.Result.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Result.Cause.Error())
	}
	if e.Result.Partial {
		b.WriteString(" (partial)")
	}
	return b.String()
}

// Unwrap exposes ErrValidationFailed and the validator's cause.
func (e *ValidationError) Unwrap() []error {
	errs := []error{ErrValidationFailed}
	if e.Result != nil && e.Result.Cause != nil {
		errs = append(errs, e.Result.Cause)
	}
	return errs
}

var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	MaxDepth:                5,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// Dump renders the full validation result for diagnostics.
func (e *ValidationError) Dump() string {
	return dumpConfig.Sdump(e.Result)
}

// AsValidationError returns the ValidationError in err's chain, if any.
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	ok := errors.As(err, &verr)
	return verr, ok
}
