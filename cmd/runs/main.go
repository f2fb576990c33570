// Command runs prints evaluation runs recorded in a ledger.
//
//	runs -ledger runs.db             # recent runs
//	runs -ledger runs.db -id <run>   # one run with progress and per-class IoU
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/nvr-ai/seg-eval/ledger"
)

func main() {
	var (
		path  string
		id    string
		limit int
	)
	flag.StringVar(&path, "ledger", "runs.db", "SQLite ledger file")
	flag.StringVar(&id, "id", "", "Run to show in detail")
	flag.IntVar(&limit, "limit", 20, "Number of recent runs to list")
	flag.Parse()

	l, err := ledger.Open(path)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	if id == "" {
		err = listRuns(ctx, l, limit)
	} else {
		err = showRun(ctx, l, id)
	}
	if err != nil {
		log.Printf("❌ %v", err)
		l.Close()
		os.Exit(1)
	}
}

func listRuns(ctx context.Context, l *ledger.Ledger, limit int) error {
	runs, err := l.Runs(ctx, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tSTEPS\tMEAN IOU\tMODEL")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.ID, humanize.Time(r.StartedAt), r.Status, r.Steps, r.RequestedSteps, iou(r.MeanIoU), r.ModelPath)
	}
	return tw.Flush()
}

func showRun(ctx context.Context, l *ledger.Ledger, id string) error {
	r, err := l.Run(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("📋 %s (%s)\n", r.ID, r.Status)
	fmt.Printf("   🎯 Model: %s\n", r.ModelPath)
	fmt.Printf("   📁 Data: %s, %d/%d steps, %s pixels\n", r.DataList, r.Steps, r.RequestedSteps, humanize.Comma(int64(r.Pixels)))
	fmt.Printf("   📊 Mean IoU: %s\n", iou(r.MeanIoU))
	fmt.Printf("   💾 Written: %s\n", humanize.Bytes(uint64(r.BytesWritten)))
	if r.Error != "" {
		fmt.Printf("   ❌ %s\n", r.Error)
	}

	progress, err := l.Progress(ctx, id)
	if err != nil {
		return err
	}
	for _, p := range progress {
		fmt.Printf("   step %6d: mean IoU %.3f (%v)\n", p.Step, p.MeanIoU, p.Elapsed)
	}

	classes, err := l.ClassIoU(ctx, id)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, c := range classes {
		v := math.NaN()
		if c.Valid {
			v = c.IoU
		}
		fmt.Fprintf(tw, "   %d\t%s\t%s\n", c.Index, c.Name, iou(v))
	}
	return tw.Flush()
}

func iou(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.3f", v)
}
