// Package report writes gas usage records as CSV-style text lines.
//
// Three kinds of lines are written:
//
//	blockNumber,'transactionHash',nodeId,categoryId,value   (detailed)
//	blockNumber,'transactionHash',categoryId,value          (flat)
//	blockNumber,'transactionHash',outcome                   (comparison)
//
// Output goes to a file, compressed according to its extension.
package report

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/fortiblox/gasreplay/internal/fileio"
	"github.com/fortiblox/gasreplay/pkg/usage"
)

// ErrUnknownFormat is returned for an unsupported report format.
var ErrUnknownFormat = errors.New("unknown report format")

// Format selects how trees are written.
type Format string

const (
	// FormatAll writes one line per nonzero cell of every frame.
	FormatAll Format = "all"

	// FormatFlat writes per-category totals plus per-frame memory cells.
	FormatFlat Format = "flat"
)

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatAll, FormatFlat:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Config holds report configuration.
type Config struct {
	// Path is the output file; "-" writes to standard output.
	Path string

	// Format selects detailed or flat tree lines.
	Format Format

	// Logger receives a summary line on close.
	Logger log.Logger
}

// DefaultConfig returns a flat report written to path.
func DefaultConfig(path string) Config {
	return Config{
		Path:   path,
		Format: FormatFlat,
		Logger: log.Root(),
	}
}

// Writer writes report lines. It is not safe for concurrent use.
type Writer struct {
	out    *bufio.Writer
	closer io.Closer
	format Format
	log    log.Logger

	lines    uint64
	outcomes map[usage.Outcome]uint64
}

// Create opens a report file.
func Create(config Config) (*Writer, error) {
	if config.Format == "" {
		config.Format = FormatFlat
	}
	if _, err := ParseFormat(string(config.Format)); err != nil {
		return nil, err
	}
	f, err := fileio.Create(config.Path)
	if err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	w := NewWriter(f, config.Format)
	w.closer = f
	if config.Logger != nil {
		w.log = config.Logger.With("report", config.Path)
	}
	return w, nil
}

// NewWriter writes report lines to w. Closing the Writer flushes but does
// not close w.
func NewWriter(w io.Writer, format Format) *Writer {
	return &Writer{
		out:      bufio.NewWriterSize(w, 64*1024),
		format:   format,
		log:      log.Root(),
		outcomes: make(map[usage.Outcome]uint64),
	}
}

// Lines returns the number of lines written.
func (w *Writer) Lines() uint64 { return w.lines }

// Outcomes returns how many comparisons produced each outcome.
func (w *Writer) Outcomes() map[usage.Outcome]uint64 { return w.outcomes }

func (w *Writer) writeLine(s string) error {
	if _, err := w.out.WriteString(s); err != nil {
		return err
	}
	if err := w.out.WriteByte('\n'); err != nil {
		return err
	}
	w.lines++
	return nil
}

// WriteTree writes the records of a tree in the writer's format.
func (w *Writer) WriteTree(tree *usage.Tree) error {
	lines := tree.Root().ToStringsAll()
	if w.format == FormatFlat {
		lines = tree.Root().ToStringsFlat()
	}
	for line := range lines {
		if err := w.writeLine(line); err != nil {
			return err
		}
	}
	return nil
}

// WriteTrees writes several trees in order.
func (w *Writer) WriteTrees(trees []*usage.Tree) error {
	for _, t := range trees {
		if err := w.WriteTree(t); err != nil {
			return err
		}
	}
	return nil
}

// WriteComparison compares a live tree with its simulated counterpart and
// writes the verdict.
func (w *Writer) WriteComparison(live, simulated *usage.Tree) (usage.Outcome, error) {
	outcome := usage.Compare(live, simulated)
	w.outcomes[outcome]++
	line := fmt.Sprintf("%d,'%s',%s", live.BlockNumber(), live.TransactionHash(), outcome)
	return outcome, w.writeLine(line)
}

// Flush writes buffered lines to the underlying writer.
func (w *Writer) Flush() error {
	return w.out.Flush()
}

// Close flushes and closes the report file.
func (w *Writer) Close() error {
	err := w.out.Flush()
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
		w.closer = nil
	}
	w.log.Debug("Closed report", "lines", w.lines)
	return err
}
