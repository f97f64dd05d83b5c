package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/basket/taskchat/internal/audit"
	"github.com/basket/taskchat/internal/config"
	"github.com/basket/taskchat/internal/persistence"
)

func runAuditCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	owner := fs.String("owner", "", "owner whose tool calls to show (required)")
	tool := fs.String("tool", "", "only this tool (add, list, update, complete, delete)")
	status := fs.String("status", "", "only this status (success, error, pending)")
	since := fs.Duration("since", 0, "only calls newer than this, e.g. 24h")
	limit := fs.Int("limit", 50, "maximum rows")
	asJSON := fs.Bool("json", false, "print JSON lines")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *owner == "" || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskchat audit -owner <id> [-tool T] [-status S] [-since D] [-limit N] [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	f := audit.Filter{Owner: *owner, ToolName: *tool, Status: *status, Limit: *limit}
	if *since > 0 {
		f.Since = time.Now().UTC().Add(-*since)
	}
	rows, err := audit.New(store).List(ctx, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return 1
	}
	if err := printToolCalls(out, rows, *asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return 1
	}
	return 0
}

func printToolCalls(out io.Writer, rows []persistence.ToolCallLog, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return err
			}
		}
		return nil
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(out, "no tool calls recorded")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTOOL\tSTATUS\tPARAMS\tDETAIL")
	for _, row := range rows {
		detail := row.ErrorDetails
		if detail == "" && row.ConfirmationID != "" {
			detail = "confirmation " + row.ConfirmationID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			row.CreatedAt.UTC().Format(time.RFC3339), row.ToolName, row.Status, string(row.Params), detail)
	}
	return tw.Flush()
}
