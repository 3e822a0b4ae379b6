// internal/sched/eventlog.go

package sched

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/vmihailenco/msgpack/v5"
)

// EventLog renders status events to a console and optionally to a CSV file
// and a msgpack trace. It is safe for concurrent use, so it can be the event
// sink of every CPU at once.
type EventLog struct {
	mu        sync.Mutex
	out       io.Writer
	showTicks bool
	ranTotals map[TaskID]int64
	ticks     int64

	// logging-related
	csvFile   *os.File
	csvWriter *csv.Writer

	traceFile *os.File
	traceBuf  *bufio.Writer
	trace     *msgpack.Encoder
}

// NewEventLog writes human readable lines to out; nil discards them.
func NewEventLog(out io.Writer) *EventLog {
	if out == nil {
		out = io.Discard
	}
	return &EventLog{out: out, ranTotals: make(map[TaskID]int64)}
}

// ShowTicks also prints tick events, which are skipped by default.
func (l *EventLog) ShowTicks(on bool) {
	l.mu.Lock()
	l.showTicks = on
	l.mu.Unlock()
}

// EnableCSVLogging opens the given file path for CSV logging of events.
func (l *EventLog) EnableCSVLogging(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv log: %w", err)
	}
	w := csv.NewWriter(f)

	// write header
	if err := w.Write([]string{"timestamp", "at_ns", "tick", "cpu", "event", "task_id", "name", "ran_ticks", "vruntime", "detail"}); err != nil {
		f.Close()
		return fmt.Errorf("write csv header: %w", err)
	}
	w.Flush()

	l.mu.Lock()
	l.csvFile = f
	l.csvWriter = w
	l.mu.Unlock()
	return nil
}

// EnableTrace streams every event, ticks included, as msgpack records.
func (l *EventLog) EnableTrace(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	buf := bufio.NewWriter(f)

	l.mu.Lock()
	l.traceFile = f
	l.traceBuf = buf
	l.trace = msgpack.NewEncoder(buf)
	l.mu.Unlock()
	return nil
}

// Handle records one event.
func (l *EventLog) Handle(ev StatusEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev.Kind {
	case StatusTick:
		l.ticks++
	case StatusPreempt, StatusFinish:
		l.ranTotals[ev.TaskID] += ev.RanTicks
	}

	if l.trace != nil {
		// A failed trace write is not worth stopping the machine for.
		_ = l.trace.Encode(&ev)
	}

	// if we received a tick event which periodically occurs,
	// we can just return early and not log it for the brevity of output.
	if ev.Kind == StatusTick && !l.showTicks {
		return
	}

	msg := fmt.Sprintf("%s = Tick: %07d cpu%s [%s] => Task: %04d %-10s Total ran: %04d ticks, vruntime=%07.4f",
		ev.Time.Format("Jan 02 15:04:05.000"),
		l.ticks,
		cpuLabel(ev.CPU),
		kindColor(ev.Kind).Sprint(center(ev.Kind.String(), 12)),
		ev.TaskID,
		ev.Name,
		l.ranTotals[ev.TaskID],
		ev.Vruntime,
	)
	if ev.Detail != "" {
		msg += " " + ev.Detail
	}
	fmt.Fprintln(l.out, msg)

	// CSV output
	if l.csvWriter != nil {
		rec := []string{
			ev.Time.Format(time.RFC3339Nano),
			strconv.FormatInt(int64(ev.At), 10),
			strconv.FormatInt(l.ticks, 10),
			cpuLabel(ev.CPU),
			ev.Kind.String(),
			strconv.FormatUint(uint64(ev.TaskID), 10),
			ev.Name,
			strconv.FormatInt(ev.RanTicks, 10),
			fmt.Sprintf("%.4f", ev.Vruntime),
			ev.Detail,
		}
		_ = l.csvWriter.Write(rec)
		l.csvWriter.Flush()
	}
}

// RanTotal returns the ticks accounted to a task so far.
func (l *EventLog) RanTotal(id TaskID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ranTotals[id]
}

// Close flushes and closes the files.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.csvFile != nil {
		l.csvWriter.Flush()
		errs = append(errs, l.csvWriter.Error(), l.csvFile.Close())
		l.csvFile, l.csvWriter = nil, nil
	}
	if l.traceFile != nil {
		errs = append(errs, l.traceBuf.Flush(), l.traceFile.Close())
		l.traceFile, l.traceBuf, l.trace = nil, nil, nil
	}
	return errors.Join(errs...)
}

// ReadTrace decodes a trace written by EnableTrace.
func ReadTrace(r io.Reader) ([]StatusEvent, error) {
	dec := msgpack.NewDecoder(bufio.NewReader(r))
	var events []StatusEvent
	for {
		var ev StatusEvent
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return events, fmt.Errorf("decode trace record %d: %w", len(events), err)
		}
		events = append(events, ev)
	}
}

func cpuLabel(cpu int) string {
	if cpu < 0 {
		return "-"
	}
	return strconv.Itoa(cpu)
}

// an auxiliary function to center the event kind in the output
func center(str string, width int) string {
	if len(str) >= width {
		return str
	}
	spaces := (width - len(str)) / 2
	return strings.Repeat(" ", spaces) + str + strings.Repeat(" ", width-(spaces+len(str)))
}

func kindColor(k StatusKind) *color.Color {
	switch k {
	case StatusDispatch, StatusResume:
		return color.New(color.FgGreen)
	case StatusPreempt:
		return color.New(color.FgYellow)
	case StatusFinish:
		return color.New(color.FgCyan, color.Bold)
	case StatusTrap, StatusUserReturn:
		return color.New(color.FgMagenta)
	case StatusIdle, StatusTick:
		return color.New(color.Faint)
	default:
		return color.New(color.FgWhite)
	}
}
