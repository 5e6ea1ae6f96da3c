package report

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/unvariance/capturebench/pkg/bench"
)

// WriteSummary prints a table of the results for the console
func WriteSummary(w io.Writer, results []bench.Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "strategy\tevents\tdropped\tdrop %\tlost\tevents/s\tp50 ns\tp99 ns\tp99.9 ns\tmax ns\t")
	for _, res := range results {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\t%d\t%.0f\t%.0f\t%.0f\t%.0f\t%.0f\t\n",
			res.Strategy,
			res.Events,
			res.Dropped,
			res.DropRate*100,
			res.Lost,
			res.Throughput,
			res.Latency.P50,
			res.Latency.P99,
			res.Latency.P999,
			res.Latency.Max,
		)
	}
	return tw.Flush()
}
