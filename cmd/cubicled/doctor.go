package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/cubicle/internal/config"
	"github.com/basket/cubicle/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOut := false
	for _, arg := range args {
		switch arg {
		case "--json", "-json":
			jsonOut = true
		default:
			fmt.Fprintln(os.Stderr, "usage: cubicled doctor [--json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil && !cfg.FirstRun {
		// Keep going: the report is most useful when config is broken.
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
			return 1
		}
	} else {
		printDiagnosis(diag)
	}

	if diag.Failed() {
		return 1
	}
	return 0
}

func printDiagnosis(diag doctor.Diagnosis) {
	fmt.Printf("Cubicle Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n\n", diag.System.OS, diag.System.Arch, diag.System.Go)

	failed := 0
	for _, res := range diag.Results {
		if res.Status == "FAIL" {
			failed++
		}
		fmt.Printf("%s %-15s: %s\n", statusIcon(res.Status), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("    %s\n", res.Detail)
		}
	}

	if failed > 0 {
		fmt.Printf("\n%d of %d checks failed\n", failed, len(diag.Results))
	}
}

func statusIcon(status string) string {
	switch status {
	case "FAIL":
		return "❌"
	case "WARN":
		return "⚠️ "
	case "SKIP":
		return "⏩"
	default:
		return "✅"
	}
}
