package executor

import (
	"testing"
	"time"
)

const sampleUsage = `	Command being timed: "python3 /box/source.py"
	User time (seconds): 0.02
	System time (seconds): 0.00
	Percent of CPU this job got: 95%
	Elapsed (wall clock) time (h:mm:ss or m:ss): 0:01.52
	Maximum resident set size (kbytes): 9344
	Exit status: 0
`

func TestParseUsageReport(t *testing.T) {
	t.Parallel()
	rep, ok := ParseUsageReport(sampleUsage)
	if !ok {
		t.Fatalf("expected report to parse")
	}
	if rep.Elapsed != 1520*time.Millisecond {
		t.Fatalf("unexpected elapsed %v", rep.Elapsed)
	}
	if rep.MaxRSSKB != 9344 {
		t.Fatalf("unexpected rss %d", rep.MaxRSSKB)
	}
	if rep.CPUPercent != 95 {
		t.Fatalf("unexpected cpu %v", rep.CPUPercent)
	}
}

func TestParseUsageReportHoursAndSignal(t *testing.T) {
	t.Parallel()
	text := "Command terminated by signal 9\nElapsed (wall clock) time (h:mm:ss or m:ss): 1:02:03\n"
	rep, ok := ParseUsageReport(text)
	if !ok {
		t.Fatalf("expected report to parse")
	}
	if rep.Elapsed != time.Hour+2*time.Minute+3*time.Second {
		t.Fatalf("unexpected elapsed %v", rep.Elapsed)
	}
	if !rep.Signaled {
		t.Fatalf("expected signaled")
	}
}

func TestParseUsageReportEmpty(t *testing.T) {
	t.Parallel()
	if _, ok := ParseUsageReport("time: cannot run foo: No such file or directory\n"); ok {
		t.Fatalf("expected no fields")
	}
}
