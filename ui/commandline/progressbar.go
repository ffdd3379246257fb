// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// Metric is a named value reported on each step.
type Metric struct {
	Name, Value string
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// numDurations kept to compute the median step duration.
const numDurations = 100

type progressBarUpdate struct {
	amount  int
	step    int
	metrics []Metric
}

// ProgressBar displays the progress of a training loop, with a table of metrics above the bar.
// Updates are drawn asynchronously, so a slow terminal does not slow down training.
type ProgressBar struct {
	numSteps, lastStep int
	bar                *progressbar.ProgressBar
	out                io.Writer

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	linesPrinted     int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	mu            sync.Mutex
	lastStepTime  time.Time
	stepDurations []time.Duration

	extraMetricFns []ExtraMetricFn
}

// NewProgressBar creates a ProgressBar for numSteps steps, written to os.Stdout.
func NewProgressBar(numSteps int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	return NewProgressBarTo(os.Stdout, numSteps, extraMetrics...)
}

// NewProgressBarTo is like NewProgressBar, but it writes to out.
func NewProgressBarTo(out io.Writer, numSteps int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		numSteps:       numSteps,
		out:            out,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable:     newTable(),
		updates:        make(chan progressBarUpdate, 100), // Large buffer so training is not blocked.
		lastStepTime:   time.Now(),
		extraMetricFns: extraMetrics,
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(out),
	)
	pBar.asyncUpdatesDone.Add(1)
	go pBar.draw()
	return pBar
}

// Update reports that step (0-based) finished, with the given metrics.
func (pBar *ProgressBar) Update(step int, metrics ...Metric) {
	amount := step + 1 - pBar.lastStep
	if amount <= 0 {
		return
	}
	now := time.Now()
	pBar.mu.Lock()
	elapsed := now.Sub(pBar.lastStepTime) / time.Duration(amount)
	pBar.lastStepTime = now
	pBar.stepDurations = append(pBar.stepDurations, elapsed)
	if len(pBar.stepDurations) > numDurations {
		pBar.stepDurations = pBar.stepDurations[1:]
	}
	pBar.mu.Unlock()
	pBar.lastStep = step + 1
	pBar.updates <- progressBarUpdate{amount: amount, step: step, metrics: slices.Clone(metrics)}
}

// MedianStepDuration returns the median duration of the most recent steps.
func (pBar *ProgressBar) MedianStepDuration() time.Duration {
	pBar.mu.Lock()
	durations := slices.Clone(pBar.stepDurations)
	pBar.mu.Unlock()
	if len(durations) == 0 {
		return 0
	}
	slices.Sort(durations)
	return durations[len(durations)/2]
}

// Done finishes the display: it waits for the pending updates to be drawn.
func (pBar *ProgressBar) Done() {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
}

var durationUnits = []struct {
	unit   time.Duration
	suffix string
}{{time.Second, "s"}, {time.Millisecond, "ms"}, {time.Microsecond, "µs"}}

// FormatDuration prints d with at most two decimals, in the largest unit that keeps an integer part.
// Durations of a minute or longer are rounded to the second, e.g. "1m30s".
func FormatDuration(d time.Duration) string {
	abs := d
	if abs < 0 {
		abs = -abs
	}
	if abs >= time.Minute {
		return d.Round(time.Second).String()
	}
	for _, u := range durationUnits {
		if abs >= u.unit {
			return fmt.Sprintf("%.2f%s", float64(d)/float64(u.unit), u.suffix)
		}
	}
	return d.String()
}

func (pBar *ProgressBar) draw() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Step", fmt.Sprintf("%s of %s", humanize.Comma(int64(update.step+1)),
			humanize.Comma(int64(pBar.numSteps))))
		pBar.statsTable.Row("Median step duration", FormatDuration(pBar.MedianStepDuration()))
		for _, metric := range update.metrics {
			pBar.statsTable.Row(metric.Name, metric.Value)
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if pBar.linesPrinted > 0 {
			pBar.termenv.CursorPrevLine(pBar.linesPrinted)
		}
		rendered := pBar.statsStyle.Render(pBar.statsTable.String())
		_, _ = fmt.Fprintln(pBar.out, rendered)
		_ = pBar.bar.Add(amount)
		_, _ = fmt.Fprintln(pBar.out)
		pBar.linesPrinted = lipgloss.Height(rendered) + 1
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}
