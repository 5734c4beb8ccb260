package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/yairfalse/vigil/pkg/violation"
)

var validOutputs = []string{"table", "json"}

// printViolations writes vs as a table or as indented JSON.
func printViolations(w io.Writer, vs []violation.Violation, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if vs == nil {
			vs = []violation.Violation{}
		}
		return enc.Encode(vs)
	case "table":
		if len(vs) == 0 {
			_, err := fmt.Fprintln(w, "No violations found")
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CREATED\tACCOUNT\tREGION\tTYPE\tRESOURCE\tRULE")
		for _, v := range vs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				v.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
				v.AccountID, v.Region, v.Type, v.ResourceID, v.EventID)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("invalid output format: %s (must be one of: table, json)", format)
	}
}
