package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/taskchat/internal/config"
	"github.com/basket/taskchat/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	offline := fs.Bool("offline", false, "skip DNS lookups")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var cfgp *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	} else {
		cfgp = &cfg
	}

	diag := doctor.Run(ctx, cfgp, Version, *offline)
	exit := 0
	if diag.Failed() {
		exit = 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return exit
	}

	fmt.Fprintf(out, "taskchat doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "System: %s/%s (%s), %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(out, "---")
	for _, res := range diag.Results {
		fmt.Fprintf(out, "[%s] %-12s %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(out, "       %s\n", res.Detail)
		}
	}
	return exit
}
