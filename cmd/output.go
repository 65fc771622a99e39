package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"firestige.xyz/udprec/internal/trace"
)

var outputFormat string

// printResult writes v as JSON or YAML, or calls text for the default format.
func printResult(out io.Writer, format string, v interface{}, text func(io.Writer)) error {
	switch format {
	case "", "text":
		text(out)
		return nil
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format result: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to format result: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (must be text/json/yaml)", format)
	}
}

func printSummary(out io.Writer, s trace.Summary) {
	fmt.Fprintf(out, "Variant:   %s\n", s.Variant)
	fmt.Fprintf(out, "Entries:   %d\n", s.Entries)
	fmt.Fprintf(out, "Duration:  %s\n", s.Duration)
	fmt.Fprintf(out, "Payload:   %d bytes\n", s.PayloadBytes)
	fmt.Fprintf(out, "Max gap:   %s\n", s.MaxGap)
	fmt.Fprintf(out, "Bursts:    %d\n", s.Bursts)
}
