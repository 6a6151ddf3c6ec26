// Command ledger-tally runs one feature to completion against the configured
// ledger source and prints the breakdown. An interrupt pauses the run and
// prints the partial totals.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"ledger/internal/calc"
	"ledger/internal/cli"
	"ledger/internal/core"
	"ledger/internal/log"
	"ledger/internal/profiles"
)

var version = "dev"

func main() {
	feature := flag.String("feature", profiles.Earned, "feature to calculate ("+strings.Join(profiles.Default().Names(), ", ")+")")
	asJSON := flag.Bool("json", false, "print the final snapshot as JSON")
	flag.Parse()

	os.Exit(run(*feature, *asJSON))
}

func run(feature string, asJSON bool) int {
	cfg, logger := cli.Bootstrap(log.ComponentCLI)

	profile, err := profiles.Default().Lookup(feature)
	if err != nil {
		logger.Error("Invalid feature", log.FieldError, err)
		return 2
	}

	rt, err := cli.BuildService(context.Background(), cfg, logger, version, nil)
	if err != nil {
		logger.Error("Failed to build session service", log.FieldError, err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(ctx); err != nil {
			logger.Error("Shutdown error", log.FieldError, err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := rt.Service.Create(ctx, profile.Name)
	if err != nil {
		logger.Error("Failed to create session", log.FieldError, err)
		return 1
	}
	if _, err := rt.Service.Execute(ctx, sess.ID(), string(calc.CmdStart)); err != nil {
		logger.Error("Failed to start calculation", log.FieldError, err)
		return 1
	}

	if err := sess.Wait(ctx); err != nil && errors.Is(err, context.Canceled) {
		logger.Info("Interrupted, pausing calculation")
		if _, err := rt.Service.Execute(context.Background(), sess.ID(), string(calc.CmdPause)); err != nil {
			logger.Warn("Pause failed", log.FieldError, err)
		}
		settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sess.Wait(settleCtx); err != nil {
			logger.Warn("Calculation did not settle", log.FieldError, err)
		}
	}

	snap := sess.Snapshot()
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			logger.Error("Failed to encode snapshot", log.FieldError, err)
			return 1
		}
	} else {
		printReport(os.Stdout, profile, snap)
	}
	if snap.Status == calc.Error {
		return 1
	}
	return 0
}

// printReport writes the breakdown table followed by the total.
func printReport(out io.Writer, profile profiles.Profile, snap calc.Snapshot) {
	title := profile.Labels.Title
	if snap.Status != calc.Done {
		title += fmt.Sprintf(" (%s, partial)", snap.Status)
	}
	fmt.Fprintln(out, title)
	if snap.Error != "" {
		fmt.Fprintf(out, "error: %s\n", snap.Error)
	}

	if len(snap.Breakdown) == 0 {
		fmt.Fprintln(out, profile.Labels.Empty)
	} else {
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
		for _, row := range snap.Breakdown {
			label := row.Label
			if label == "" {
				label = profile.Labels.Bucket(row.Name)
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t\n", label, row.Count, core.FormatAmount(row.Amount, 2))
		}
		tw.Flush()
	}

	fmt.Fprintf(out, "%s: %s (%d of %d records counted)\n",
		profile.Labels.Total, core.FormatAmount(snap.Total, 2), snap.Counted, snap.Processed)
}
