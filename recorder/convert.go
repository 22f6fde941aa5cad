package recorder

import (
	"fmt"
	"runtime"
	"time"

	"github.com/google/pprof/profile"
)

// window carries the recording boundaries and the runtime deltas observed
// between them.
type window struct {
	start          time.Time
	end            time.Time
	allocObjects   int64
	allocBytes     int64
	lockDelayNanos int64
}

// buildProfile converts the aggregated stack samples of a window to pprof
// format. The sample-count value type is always present; cpu time, allocation
// and mutex-wait values are added per the recording's options. Window-wide
// allocation and wait deltas are attributed across stacks proportionally to
// their sample weight.
func buildProfile(samples []*stackSample, opts Options, win window) *profile.Profile {
	period := time.Second.Nanoseconds() / int64(opts.SampleRateHz)

	sampleType := []*profile.ValueType{
		{Type: "samples", Unit: "count"},
	}
	if opts.CPU {
		sampleType = append(sampleType, &profile.ValueType{Type: "cpu", Unit: "nanoseconds"})
	}
	if opts.Allocations {
		sampleType = append(sampleType,
			&profile.ValueType{Type: "alloc_objects", Unit: "count"},
			&profile.ValueType{Type: "alloc_space", Unit: "bytes"})
	}
	if opts.Locks {
		sampleType = append(sampleType, &profile.ValueType{Type: "mutex_delay", Unit: "nanoseconds"})
	}

	prof := &profile.Profile{
		SampleType:    sampleType,
		TimeNanos:     win.start.UnixNano(),
		DurationNanos: win.end.Sub(win.start).Nanoseconds(),
		PeriodType: &profile.ValueType{
			Type: "cpu",
			Unit: "nanoseconds",
		},
		Period: period,
	}

	var total int64
	for _, s := range samples {
		total += s.count
	}
	if total == 0 {
		return prof
	}

	// Maps to track unique functions and locations
	functions := make(map[string]*profile.Function)
	locations := make(map[string]*profile.Location)
	nextFuncID := uint64(1)
	nextLocID := uint64(1)

	for _, s := range samples {
		if len(s.pcs) == 0 {
			continue
		}
		var sampleLocations []*profile.Location

		frames := runtime.CallersFrames(s.pcs)
		for {
			fr, more := frames.Next()
			name := fr.Function
			if name == "" {
				name = fmt.Sprintf("0x%x", fr.PC)
			}

			functionKey := name + fr.File
			if _, exists := functions[functionKey]; !exists {
				functions[functionKey] = &profile.Function{
					ID:         nextFuncID,
					Name:       name,
					SystemName: name,
					Filename:   fr.File,
				}
				prof.Function = append(prof.Function, functions[functionKey])
				nextFuncID++
			}

			locationKey := fmt.Sprintf("%s:%d", functionKey, fr.Line)
			if _, exists := locations[locationKey]; !exists {
				locations[locationKey] = &profile.Location{
					ID: nextLocID,
					Line: []profile.Line{
						{
							Function: functions[functionKey],
							Line:     int64(fr.Line),
						},
					},
				}
				prof.Location = append(prof.Location, locations[locationKey])
				nextLocID++
			}

			sampleLocations = append(sampleLocations, locations[locationKey])
			if !more {
				break
			}
		}

		values := make([]int64, 0, len(sampleType))
		values = append(values, s.count)
		if opts.CPU {
			values = append(values, s.count*period)
		}
		if opts.Allocations {
			values = append(values,
				win.allocObjects*s.count/total,
				win.allocBytes*s.count/total)
		}
		if opts.Locks {
			values = append(values, win.lockDelayNanos*s.count/total)
		}

		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: sampleLocations,
			Value:    values,
		})
	}

	return prof
}
