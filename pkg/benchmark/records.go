package benchmark

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/miekg/dns"
)

// SelectMode picks how test records are drawn from the candidate list.
type SelectMode string

const (
	// SelectRandom draws records uniformly.
	SelectRandom SelectMode = "random"
	// SelectWeighted favours records near the start of the list, which is
	// expected to be ordered by popularity.
	SelectWeighted SelectMode = "weighted"
	// SelectChunk takes a contiguous run of records at a random offset.
	SelectChunk SelectMode = "chunk"
)

// ErrNoRecords is returned when there is nothing to select from.
var ErrNoRecords = errors.New("no test records to select from")

// RecordsFromNames builds one record of type qtype per name.
func RecordsFromNames(qtype uint16, names []string) []TestRecord {
	out := make([]TestRecord, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		out = append(out, TestRecord{Type: qtype, Name: dns.Fqdn(n)})
	}
	return out
}

// SelectRecords returns count records chosen from records. Records are not
// repeated unless count exceeds the number of candidates.
func SelectRecords(records []TestRecord, count int, mode SelectMode, rng *rand.Rand) ([]TestRecord, error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	if count <= 0 {
		return nil, nil
	}
	switch mode {
	case SelectRandom, "":
		return selectRandom(records, count, rng), nil
	case SelectWeighted:
		return selectWeighted(records, count, rng), nil
	case SelectChunk:
		return selectChunk(records, count, rng), nil
	}
	return nil, fmt.Errorf("unknown selection mode %q", mode)
}

func selectRandom(records []TestRecord, count int, rng *rand.Rand) []TestRecord {
	out := make([]TestRecord, 0, count)
	for len(out) < count {
		for _, i := range rng.Perm(len(records)) {
			if len(out) == count {
				break
			}
			out = append(out, records[i])
		}
	}
	return out
}

// selectWeighted draws indexes from a distribution skewed towards zero.
// Once every candidate has been drawn the remaining picks start over.
func selectWeighted(records []TestRecord, count int, rng *rand.Rand) []TestRecord {
	out := make([]TestRecord, 0, count)
	used := make(map[int]bool, len(records))
	for len(out) < count {
		if len(used) == len(records) {
			clear(used)
		}
		i := int(math.Pow(rng.Float64(), 2) * float64(len(records)))
		for used[i] {
			i = (i + 1) % len(records)
		}
		used[i] = true
		out = append(out, records[i])
	}
	return out
}

func selectChunk(records []TestRecord, count int, rng *rand.Rand) []TestRecord {
	if count >= len(records) {
		out := make([]TestRecord, 0, count)
		for len(out) < count {
			n := min(count-len(out), len(records))
			out = append(out, records[:n]...)
		}
		return out
	}
	start := rng.IntN(len(records) - count + 1)
	return append([]TestRecord(nil), records[start:start+count]...)
}
