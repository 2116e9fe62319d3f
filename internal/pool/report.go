package pool

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// WriteReport renders rows as a text table followed by the summary line.
func WriteReport(out io.Writer, rows []WorkerReport, summary Summary) error {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"serial", "step", "uri", "processed", "last start", "last finish"})
	for _, r := range rows {
		tbl.AppendRow(table.Row{r.Serial, r.Step, r.URI, r.Processed, formatTime(r.LastStart), formatTime(r.LastFinish)})
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d workers", len(rows))})
	if _, err := fmt.Fprintf(out, "%s\n%s\n", tbl.Render(), summary); err != nil {
		return fmt.Errorf("write worker report: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
