package upload

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stats summarises per-chunk acknowledgement latency.
type Stats struct {
	Chunks int
	Mean   time.Duration
	StdDev time.Duration
	Max    time.Duration
}

// Summarize computes Stats over latencies.
func Summarize(latencies []time.Duration) Stats {
	if len(latencies) == 0 {
		return Stats{}
	}
	xs := make([]float64, len(latencies))
	for i, d := range latencies {
		xs[i] = float64(d)
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if len(xs) < 2 {
		std = 0
	}
	return Stats{
		Chunks: len(xs),
		Mean:   time.Duration(mean),
		StdDev: time.Duration(std),
		Max:    time.Duration(floats.Max(xs)),
	}
}
