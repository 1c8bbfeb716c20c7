package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/eventmux"
	"github.com/wardenhq/warden/internal/supervisor"
)

// eventPrinter renders supervisor notifications as logfmt-ish lines. The
// supervisor invokes callbacks from its own goroutines, so writes are
// serialized here.
type eventPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func newEventPrinter(out io.Writer) *eventPrinter {
	return &eventPrinter{out: out}
}

// record renders one muxed stream entry.
func (p *eventPrinter) record(rec eventmux.Record) {
	switch {
	case rec.Lifecycle != nil:
		p.lifecycle(*rec.Lifecycle)
	case rec.Error != nil:
		p.error(*rec.Error)
	case rec.Cleanup != nil:
		p.cleanup(*rec.Cleanup)
	case rec.Dropped > 0:
		p.dropped(rec)
	}
}

func (p *eventPrinter) lifecycle(evt supervisor.LifecycleEvent) {
	p.line(evt.Timestamp, fmt.Sprintf("event=%s pid=%d name=%s", evt.Type, evt.PID, logfmtValue(evt.Name)))
}

func (p *eventPrinter) error(evt supervisor.ErrorEvent) {
	var b strings.Builder
	fmt.Fprintf(&b, "event=error op=%s", evt.Op)
	if evt.PID != 0 {
		fmt.Fprintf(&b, " pid=%d", evt.PID)
	}
	if evt.Err != nil {
		fmt.Fprintf(&b, " error=%s", strconv.Quote(evt.Err.Error()))
	}
	p.line(evt.Timestamp, b.String())
}

func (p *eventPrinter) cleanup(evt supervisor.CleanupEvent) {
	p.line(evt.Timestamp, fmt.Sprintf("event=cleanup terminated=%d failed=%d duration=%s",
		evt.Succeeded, evt.Failed, evt.Duration.Truncate(time.Millisecond)))
}

// dropped reports records the stream discarded because the terminal could
// not keep up.
func (p *eventPrinter) dropped(rec eventmux.Record) {
	p.line(rec.Timestamp, fmt.Sprintf("event=dropped source=%s count=%d",
		logfmtValue(rec.Source), rec.Dropped))
}

func (p *eventPrinter) line(ts time.Time, rest string) {
	if ts.IsZero() {
		ts = time.Now()
	}
	p.mu.Lock()
	fmt.Fprintf(p.out, "%s %s\n", ts.Format(time.RFC3339), rest)
	p.mu.Unlock()
}

// logfmtValue quotes a value only when it would break the key=value layout.
func logfmtValue(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\"=") {
		return strconv.Quote(s)
	}
	return s
}
