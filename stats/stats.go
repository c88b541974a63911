// Package stats implements counting/timing instrumentation for kernel
// subsystems, adapted from Biscuit's stats package: atomic counters and
// cycle counters gated behind package-level enable switches, plus a
// text dump over any struct of them via reflection.
//
// Biscuit reads its cycle counter from runtime.Rdtsc(), a method its
// modified Go runtime adds to the stdlib runtime package. This kernel
// runs on an unmodified runtime, so Clock stands in for that hook: it
// defaults to a monotonic nanosecond clock and tests (or a future
// runtime fork, matching the teacher's approach) can replace it with a
// real cycle-counter read.
package stats

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
)

// Enabled gates Counter.Inc. Matches Biscuit's Stats const, made a
// variable so tests can flip it without a rebuild.
var Enabled = false

// TimingEnabled gates Cycles.Add. Matches Biscuit's Timing const.
var TimingEnabled = false

// Clock returns the current cycle/time count used by Cycles.Add.
// Swappable so tests get deterministic deltas.
var Clock func() uint64 = func() uint64 { return uint64(time.Now().UnixNano()) }

// Counter is a statistical counter, incremented with Inc when Enabled.
type Counter int64

// Inc increments c by one if counting is enabled.
func (c *Counter) Inc() {
	if Enabled {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Load returns c's current value.
func (c *Counter) Load() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Cycles accumulates elapsed Clock ticks, added with Add when
// TimingEnabled.
type Cycles int64

// Add adds Clock()-start to c if timing is enabled. Callers record
// start := stats.Clock() before the timed operation.
func (c *Cycles) Add(start uint64) {
	if TimingEnabled {
		atomic.AddInt64((*int64)(c), int64(Clock()-start))
	}
}

// Load returns c's current value.
func (c *Cycles) Load() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// fieldKind classifies a struct field as a Counter, Cycles, or neither.
func fieldKind(t reflect.Type) string {
	s := t.String()
	switch {
	case strings.HasSuffix(s, "stats.Counter"):
		return "counter"
	case strings.HasSuffix(s, "stats.Cycles"):
		return "cycles"
	default:
		return ""
	}
}

// String converts a struct of Counter/Cycles fields into a printable
// dump, one field per line, in the style of Biscuit's Stats2String.
// Returns "" if counting is disabled, since a dump of all-zero counters
// is not useful and Biscuit's own text format makes the same trade.
func String(st interface{}) string {
	if !Enabled {
		return ""
	}
	v := reflect.ValueOf(st)
	var b strings.Builder
	for i := 0; i < v.NumField(); i++ {
		name := v.Type().Field(i).Name
		switch fieldKind(v.Field(i).Type()) {
		case "counter":
			n := v.Field(i).Interface().(Counter)
			b.WriteString("\n\t#" + name + ": " + strconv.FormatInt(int64(n), 10))
		case "cycles":
			n := v.Field(i).Interface().(Cycles)
			b.WriteString("\n\t#" + name + ": " + strconv.FormatInt(int64(n), 10))
		}
	}
	b.WriteString("\n")
	return b.String()
}

// Profile encodes every Counter/Cycles field of st into a pprof
// profile.Profile, one sample per field, labeled by field name, so an
// external profiling collaborator can pull the same counters
// Biscuit's Stats2String only renders as text. Unlike String, Profile
// always reports current values regardless of Enabled/TimingEnabled —
// a profiling client asking for a snapshot should see exactly what is
// being tracked, not an empty profile because counting happens to be
// compiled out.
func Profile(name string, st interface{}) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "count", Unit: "count"},
		},
		PeriodType: &profile.ValueType{Type: name, Unit: "count"},
		Period:     1,
	}

	v := reflect.ValueOf(st)
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		fname := t.Field(i).Name
		var value int64
		switch fieldKind(v.Field(i).Type()) {
		case "counter":
			value = int64(v.Field(i).Interface().(Counter))
		case "cycles":
			value = int64(v.Field(i).Interface().(Cycles))
		default:
			continue
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{value},
			Label: map[string][]string{"field": {fmt.Sprintf("%s.%s", name, fname)}},
		})
	}
	return p
}
