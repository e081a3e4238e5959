package logging

import "time"

// PerfTimer measures the duration of an operation and logs it on Stop.
type PerfTimer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation for the given category.
func StartTimer(category Category, op string) *PerfTimer {
	return &PerfTimer{category: category, op: op, start: time.Now()}
}

// Stop logs the elapsed time. Operations slower than one second log at warn.
func (t *PerfTimer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > time.Second {
		l.Warn("%s took %v", t.op, elapsed)
		return
	}
	l.Debug("%s took %v", t.op, elapsed)
}
