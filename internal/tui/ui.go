package tui

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/wardenhq/warden/internal/api"
)

const (
	tableTitle      = "Processes"
	defaultInterval = time.Second
)

// Source supplies the snapshots the interface renders.
type Source interface {
	Processes(ctx context.Context) ([]api.ProcessReport, error)
	Stats(ctx context.Context) (*api.StatsReport, error)
}

// Option configures UI behaviour.
type Option func(*UI)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(u *UI) {
		if d > 0 {
			u.interval = d
		}
	}
}

// WithAddr records the control API address shown in the footer.
func WithAddr(addr string) Option {
	return func(u *UI) {
		u.addr = addr
	}
}

// UI renders a live table of supervised processes backed by tview. It polls
// the control API on a fixed interval until stopped.
type UI struct {
	app    *tview.Application
	table  *tview.Table
	footer *tview.TextView

	source   Source
	interval time.Duration
	addr     string

	mu       sync.RWMutex
	reports  []api.ProcessReport
	stats    *api.StatsReport
	fetchErr error

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// New constructs a UI polling the supplied source.
func New(source Source, opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 0).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	footer := tview.NewTextView().SetDynamicColors(true)

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 1, true).
		AddItem(footer, 1, 0, false)

	ui := &UI{
		app:      app,
		table:    table,
		footer:   footer,
		source:   source,
		interval: defaultInterval,
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(ui)
	}

	app.SetRoot(flex, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.refreshTableLocked()
	ui.renderFooterLocked()
	ui.mu.Unlock()

	return ui
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the tview application and keeps the table current until Stop is
// invoked or the provided context is cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.poll(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()

	u.cancelMu.Lock()
	cancel = u.cancel
	u.cancel = nil
	u.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	u.wg.Wait()
	u.Stop()

	return err
}

// Stop terminates the application loop and releases resources.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) poll(ctx context.Context) {
	u.fetch(ctx)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.fetch(ctx)
		}
	}
}

func (u *UI) fetch(ctx context.Context) {
	reports, err := u.source.Processes(ctx)
	var stats *api.StatsReport
	if err == nil {
		stats, err = u.source.Stats(ctx)
	}
	if ctx.Err() != nil {
		return
	}

	u.apply(reports, stats, err)
	u.queueRefresh()
}

// apply records the latest snapshot. A fetch error keeps the previous table
// contents and surfaces in the footer instead.
func (u *UI) apply(reports []api.ProcessReport, stats *api.StatsReport, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err != nil {
		u.fetchErr = err
		return
	}
	u.reports = reports
	u.stats = stats
	u.fetchErr = nil
}

func (u *UI) queueRefresh() {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.refreshTableLocked()
		u.renderFooterLocked()
	})
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyCtrlC, tcell.KeyEscape:
		go u.Stop()
		return nil
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		}
	}
	return event
}

func (u *UI) refreshTableLocked() {
	u.table.Clear()

	headers := []string{"PID", "NAME", "STATE", "UPTIME", "EXIT"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	for row, report := range u.reports {
		values := []string{
			strconv.Itoa(report.PID),
			report.Name,
			stateLabel(report),
			formatUptime(report.RuntimeMS),
			formatExitCode(report.ExitCode),
		}
		for col, value := range values {
			cell := tview.NewTableCell(value)
			if col == 2 && !report.Running {
				cell = cell.SetTextColor(tcell.ColorYellow)
			}
			u.table.SetCell(row+1, col, cell)
		}
	}

	u.table.SetTitle(fmt.Sprintf("%s (%d)", tableTitle, len(u.reports)))
}

func (u *UI) renderFooterLocked() {
	u.footer.Clear()

	if u.fetchErr != nil {
		fmt.Fprintf(u.footer, "[red]%v[-]  q to quit", u.fetchErr)
		return
	}

	var summary string
	if u.stats != nil {
		summary = fmt.Sprintf("%d running / %d exited  mem %s  ",
			u.stats.Running, u.stats.Exited, humanize.IBytes(u.stats.TotalMemoryBytes))
	}
	line := summary + "q to quit"
	if u.addr != "" {
		line += "  " + u.addr
	}
	fmt.Fprint(u.footer, line)
}

func stateLabel(report api.ProcessReport) string {
	if report.Running {
		return "Running"
	}
	return "Exited"
}

func formatUptime(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return d.Truncate(time.Millisecond).String()
	}
	return d.Truncate(time.Second).String()
}

func formatExitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}
