package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewOutputter(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		isTable bool
	}{
		{
			name:   "json format",
			format: "json",
		},
		{
			name:   "yaml format",
			format: "yaml",
		},
		{
			name:    "table format",
			format:  "table",
			isTable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := NewOutputter(tt.format)
			if err != nil {
				t.Fatalf("NewOutputter(%s) error = %v", tt.format, err)
			}
			if out == nil {
				t.Fatal("NewOutputter returned nil")
			}
			if out.Table() != tt.isTable {
				t.Errorf("Table() = %v, want %v", out.Table(), tt.isTable)
			}
			if out.writer == nil {
				t.Error("writer should not be nil")
			}
		})
	}
}

func TestNewOutputterUnknownFormat(t *testing.T) {
	out, err := NewOutputter("xml")
	if err == nil {
		t.Error("NewOutputter with unknown format should error")
	}
	if out != nil {
		t.Errorf("expected nil outputter on error, got %v", out)
	}
}

func TestOutputterPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	out := &Outputter{format: OutputJSON, writer: &buf}

	data := struct {
		ID   int64 `json:"id"`
		Size int   `json:"size"`
	}{ID: 3, Size: 16}

	if err := out.Print(data); err != nil {
		t.Fatalf("Print() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["id"] != float64(3) {
		t.Errorf("id = %v, want 3", decoded["id"])
	}
}

func TestOutputterPrintYAML(t *testing.T) {
	var buf bytes.Buffer
	out := &Outputter{format: OutputYAML, writer: &buf}

	data := map[string]int{"size": 16}
	if err := out.Print(data); err != nil {
		t.Fatalf("Print() error = %v", err)
	}
	if !strings.Contains(buf.String(), "size: 16") {
		t.Errorf("unexpected YAML output: %q", buf.String())
	}
}

func TestOutputterPrintTableFormatRejected(t *testing.T) {
	out, err := NewOutputter("table")
	if err != nil {
		t.Fatalf("NewOutputter(table) error = %v", err)
	}
	if err := out.Print(struct{}{}); err == nil {
		t.Error("Print() with table format should require explicit table rendering")
	}
}

func TestOutputterPrintTable(t *testing.T) {
	var buf bytes.Buffer
	out := &Outputter{format: OutputTable, writer: &buf}

	out.PrintTable(
		[]string{"ID", "SIZE"},
		[][]string{{"1", "4G"}, {"2", "16G"}},
	)

	rendered := buf.String()
	for _, want := range []string{"ID", "SIZE", "4G", "16G"} {
		if !strings.Contains(rendered, want) {
			t.Errorf("table output missing %q:\n%s", want, rendered)
		}
	}
}
