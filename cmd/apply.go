package cmd

import (
	"context"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"grimm.is/rampart/internal/engine"
	"grimm.is/rampart/internal/metrics"
)

// RunApply compiles the policy and loads it. The bash, clear and loop flags
// turn it into dump, clear and daemon respectively.
func RunApply(ctx context.Context, opts Options) error {
	switch {
	case opts.Bash:
		return RunDump(ctx, opts)
	case opts.ClearAll:
		return RunClear(ctx, opts, true)
	case opts.Clear:
		return RunClear(ctx, opts, false)
	case opts.Loop:
		opts.Foreground = true
		return RunDaemon(ctx, opts)
	}

	e, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := e.engine.Apply(ctx)
	if err != nil {
		return err
	}
	printResult(opts.out(), res)
	if opts.Debug {
		printAccounting(opts.out(), e.engine.Collector().GetInterfaceStats())
	}
	return nil
}

func printResult(w io.Writer, res *engine.Result) {
	Printer.Fprintf(w, "Applied %d rules in %v (apply %s)\n", res.Rules, res.Duration.Round(time.Millisecond), res.ID)
	for _, d := range res.Degraded {
		Printer.Fprintf(w, "  skipped, not supported by the kernel: %s\n", d)
	}
	for _, f := range res.Files {
		Printer.Fprintf(w, "  kept %s\n", f)
	}
}

// printAccounting lists the interface counters preserved across the apply.
func printAccounting(w io.Writer, stats map[string]metrics.InterfaceStats) {
	if len(stats) == 0 {
		return
	}
	devices := make([]string, 0, len(stats))
	for d := range stats {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	Printer.Fprintln(w, "\nAccounting:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	Printer.Fprintln(tw, "DEVICE\tRX BYTES\tTX BYTES\tRX PACKETS\tTX PACKETS")
	for _, d := range devices {
		s := stats[d]
		Printer.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", d, s.RxBytes, s.TxBytes, s.RxPackets, s.TxPackets)
	}
	tw.Flush()
}
