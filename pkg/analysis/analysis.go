// Package analysis turns raw benchmark samples into per-server aggregates.
package analysis

import (
	"time"

	"github.com/montanaflynn/stats"
)

// Sample is a single measured benchmark query.
type Sample struct {
	Duration time.Duration
	Failed   bool // transport failure, Duration is the time waited
	NXDomain bool
}

// Average holds the aggregated results of one nameserver. Durations are in
// milliseconds.
type Average struct {
	IP        string  `json:"ip"`
	Name      string  `json:"name"`
	AverageMs float64 `json:"average_ms"`
	FastestMs float64 `json:"fastest_ms"`
	SlowestMs float64 `json:"slowest_ms"`
	StdDevMs  float64 `json:"stddev_ms"`
	Failures  int     `json:"failures"`
	NXDomains int     `json:"nxdomains"`
	Runs      int     `json:"runs"`
	Queries   int     `json:"queries"`
}

// Succeeded is the number of queries that got a response.
func (a Average) Succeeded() int { return a.Queries - a.Failures }

// Reliability is the percentage of queries that got a response.
func (a Average) Reliability() float64 {
	if a.Queries == 0 {
		return 0
	}
	return float64(a.Succeeded()) / float64(a.Queries) * 100
}

// Summarize aggregates the samples of one server, one slice per run.
//
// AverageMs is the mean of the per-run means, so runs that happened to pick
// slower records weigh as much as any other run. Runs without samples are
// ignored. FastestMs only considers answered queries, unless nothing was
// answered at all.
func Summarize(ip, name string, runs [][]Sample) Average {
	avg := Average{IP: ip, Name: name}

	var runMeans, all, answered stats.Float64Data
	for _, run := range runs {
		if len(run) == 0 {
			continue
		}
		data := make(stats.Float64Data, 0, len(run))
		for _, s := range run {
			ms := toMs(s.Duration)
			data = append(data, ms)
			all = append(all, ms)
			if s.Failed {
				avg.Failures++
				continue
			}
			if s.NXDomain {
				avg.NXDomains++
			}
			answered = append(answered, ms)
		}
		runMeans = append(runMeans, mean(data))
	}
	avg.Runs = len(runMeans)
	avg.Queries = len(all)
	if len(all) == 0 {
		return avg
	}

	avg.AverageMs = mean(runMeans)
	avg.SlowestMs, _ = all.Max()
	if len(answered) > 0 {
		avg.FastestMs, _ = answered.Min()
	} else {
		avg.FastestMs, _ = all.Min()
	}
	avg.StdDevMs = stdDev(all)
	return avg
}

func mean(data stats.Float64Data) float64 {
	m, err := data.Mean()
	if err != nil {
		return 0
	}
	return m
}

// stdDev is the sample standard deviation, 0 with fewer than two points.
func stdDev(data stats.Float64Data) float64 {
	if len(data) < 2 {
		return 0
	}
	sd, err := stats.StandardDeviationSample(data)
	if err != nil {
		return 0
	}
	return sd
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
