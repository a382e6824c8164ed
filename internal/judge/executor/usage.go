package executor

import (
	"bufio"
	"strconv"
	"strings"
	"time"
)

// UsageReport is the resource summary written by `/usr/bin/time -v`.
type UsageReport struct {
	Elapsed    time.Duration
	MaxRSSKB   int64
	CPUPercent float64
	ExitStatus int
	Signaled   bool
}

const (
	elapsedPrefix = "Elapsed (wall clock) time (h:mm:ss or m:ss):"
	rssPrefix     = "Maximum resident set size (kbytes):"
	cpuPrefix     = "Percent of CPU this job got:"
	exitPrefix    = "Exit status:"
	signalPrefix  = "Command terminated by signal"
)

// ParseUsageReport extracts the fields the judge needs. ok is false when the
// text holds none of them, e.g. the wrapper was killed before writing.
func ParseUsageReport(text string) (UsageReport, bool) {
	var rep UsageReport
	found := false
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, elapsedPrefix):
			if d, err := parseClock(strings.TrimSpace(strings.TrimPrefix(line, elapsedPrefix))); err == nil {
				rep.Elapsed = d
				found = true
			}
		case strings.HasPrefix(line, rssPrefix):
			if v, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, rssPrefix)), 10, 64); err == nil {
				rep.MaxRSSKB = v
				found = true
			}
		case strings.HasPrefix(line, cpuPrefix):
			raw := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(line, cpuPrefix)), "%")
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				rep.CPUPercent = v
				found = true
			}
		case strings.HasPrefix(line, exitPrefix):
			if v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, exitPrefix))); err == nil {
				rep.ExitStatus = v
			}
		case strings.HasPrefix(line, signalPrefix):
			rep.Signaled = true
		}
	}
	return rep, found
}

// parseClock accepts h:mm:ss, m:ss and m:ss.ff.
func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, err
		}
		total = total*60 + v
	}
	return time.Duration(total * float64(time.Second)), nil
}
