package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// OutputFormat selects how command results are rendered.
type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// Outputter renders command results to stdout in one fixed format.
type Outputter struct {
	format OutputFormat
	writer io.Writer
}

// NewOutputter creates an outputter for the given format string. Unknown
// formats are rejected here, before any command talks to the manager.
func NewOutputter(format string) (*Outputter, error) {
	f := OutputFormat(format)
	switch f {
	case OutputTable, OutputJSON, OutputYAML:
		return &Outputter{format: f, writer: os.Stdout}, nil
	default:
		return nil, fmt.Errorf("unknown output format: %s", format)
	}
}

// Table reports whether the caller must render rows itself via PrintTable.
func (o *Outputter) Table() bool {
	return o.format == OutputTable
}

// Print encodes data in the structured format. Table output has no generic
// encoding; callers render tables through PrintTable instead.
func (o *Outputter) Print(data any) error {
	switch o.format {
	case OutputJSON:
		enc := json.NewEncoder(o.writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputYAML:
		enc := yaml.NewEncoder(o.writer)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("%s output requires explicit table rendering", o.format)
	}
}

// PrintTable renders one header row and the given data rows.
func (o *Outputter) PrintTable(headers []string, rows [][]string) {
	table := tablewriter.NewWriter(o.writer)

	headerAny := make([]any, len(headers))
	for i, h := range headers {
		headerAny[i] = h
	}
	table.Header(headerAny...)

	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}
