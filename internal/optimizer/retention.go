package optimizer

import (
	"math"
	"regexp"
	"strconv"
)

var (
	daysPattern   = regexp.MustCompile(`(\d+)d`)
	weeksPattern  = regexp.MustCompile(`(\d+)w`)
	monthsPattern = regexp.MustCompile(`(\d+)M`)
	yearsPattern  = regexp.MustCompile(`(\d+)y`)
)

// ParseRetentionDays converts a Zabbix retention string like "30d", "2w",
// "6M" or "1y" to days. Unrecognized input parses to 0.
func ParseRetentionDays(retention string) int {
	if m := daysPattern.FindStringSubmatch(retention); m != nil {
		return atoi(m[1])
	}
	if m := weeksPattern.FindStringSubmatch(retention); m != nil {
		return atoi(m[1]) * 7
	}
	if m := monthsPattern.FindStringSubmatch(retention); m != nil {
		return atoi(m[1]) * 30
	}
	if m := yearsPattern.FindStringSubmatch(retention); m != nil {
		return atoi(m[1]) * 365
	}
	return 0
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Savings quantifies a retention reduction
type Savings struct {
	ReductionDays       int     `json:"reduction_days"`
	ReductionPercentage float64 `json:"reduction_percentage"`
}

// ComputeSavings measures the reduction going from one retention to another.
// Increases count as zero savings.
func ComputeSavings(from, to string) Savings {
	fromDays := ParseRetentionDays(from)
	toDays := ParseRetentionDays(to)

	reduction := fromDays - toDays
	if reduction < 0 {
		reduction = 0
	}

	var pct float64
	if fromDays > 0 {
		pct = round2(float64(reduction) / float64(fromDays) * 100)
	}

	return Savings{ReductionDays: reduction, ReductionPercentage: pct}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
