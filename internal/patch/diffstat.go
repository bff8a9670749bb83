package patch

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffStats counts lines changed in a target by one patch.
type DiffStats struct {
	Inserted int
	Deleted  int
}

// ComputeStats diffs two snapshots of a file line by line.
func ComputeStats(before, after string) DiffStats {
	var stats DiffStats
	if before == after {
		return stats
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			stats.Inserted += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			stats.Deleted += countLines(d.Text)
		}
	}
	return stats
}

// String renders the stats as "+3 -1".
func (s DiffStats) String() string {
	return fmt.Sprintf("+%d -%d", s.Inserted, s.Deleted)
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
