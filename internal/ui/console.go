// Package ui renders provisioning progress and tabular CLI output.
package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/trinoctl/internal/provision"
	"github.com/fatih/color"
)

// RunConsoleOptions controls the live provisioning console.
type RunConsoleOptions struct {
	Enabled bool
	Verbose bool
	Width   int
}

// RunConsole is an in-place repainting view of a provisioning run. It
// implements provision.EventObserver; every event updates the service
// table and repaints only the sections that changed.
type RunConsole struct {
	out  io.Writer
	opts RunConsoleOptions

	mu         sync.Mutex
	plan       *provision.Plan
	order      []string
	services   map[string]*serviceRow
	failures   []serviceFailure
	logTail    []string
	startedAt  time.Time
	runID      string
	sections   []consoleSection
	totalLines int
}

type serviceRow struct {
	name      string
	module    string
	status    string
	attempt   int
	note      string
	lastError *provision.EventError

	startedAt time.Time
	updatedAt time.Time
}

type serviceFailure struct {
	service string
	attempt int
	err     *provision.EventError
	msg     string
}

type consoleSection struct {
	name  string
	lines []string
}

// NewRunConsole builds a console over the start plan. Rows appear in
// critical-path order so the longest dependency chain stays on top.
func NewRunConsole(out io.Writer, plan *provision.Plan, opts RunConsoleOptions) *RunConsole {
	c := &RunConsole{
		out:       out,
		opts:      opts,
		plan:      plan,
		startedAt: time.Now(),
		services:  map[string]*serviceRow{},
	}
	if plan != nil {
		c.order = consoleOrder(plan)
		for _, node := range plan.Services {
			c.services[node.Name] = &serviceRow{name: node.Name, module: node.Module, status: "planned"}
		}
	}
	return c
}

// ObserveEvent applies one run event and repaints.
func (c *RunConsole) ObserveEvent(ev provision.Event) {
	if c == nil || !c.opts.Enabled {
		return
	}
	c.mu.Lock()
	c.applyEventLocked(ev)
	c.renderLocked()
	c.mu.Unlock()
}

// Done paints the final state and moves the cursor past the display.
func (c *RunConsole) Done() {
	if c == nil || !c.opts.Enabled {
		return
	}
	c.mu.Lock()
	c.renderLocked()
	if c.totalLines > 0 {
		fmt.Fprint(c.out, "\x1b[K\n")
		c.totalLines++
	}
	c.mu.Unlock()
}

func (c *RunConsole) applyEventLocked(ev provision.Event) {
	ts, ok := parseRFC3339(ev.TS)
	if strings.TrimSpace(ev.RunID) != "" {
		c.runID = strings.TrimSpace(ev.RunID)
	}
	switch provision.EventType(ev.Type) {
	case provision.RunStarted:
		if ok {
			c.startedAt = ts
		}
	case provision.ServiceQueued:
		c.setServiceLocked(ev.Service, "queued", ev.Attempt, "", nil, ts)
	case provision.ServiceStarting:
		c.setServiceLocked(ev.Service, "starting", ev.Attempt, "", nil, ts)
	case provision.ServiceStarted:
		c.setServiceLocked(ev.Service, "started", ev.Attempt, "", nil, ts)
	case provision.ServiceHealthy:
		c.setServiceLocked(ev.Service, "healthy", ev.Attempt, "", nil, ts)
	case provision.ServiceReady:
		c.setServiceLocked(ev.Service, "ready", ev.Attempt, "", nil, ts)
	case provision.ServiceFailed:
		c.setServiceLocked(ev.Service, "failed", ev.Attempt, "", ev.Error, ts)
		c.addFailureLocked(serviceFailure{service: ev.Service, attempt: ev.Attempt, err: ev.Error, msg: strings.TrimSpace(ev.Message)})
	case provision.ServiceBlocked:
		c.setServiceLocked(ev.Service, "blocked", ev.Attempt, strings.TrimSpace(ev.Message), nil, ts)
		c.appendLogLocked(fmt.Sprintf("[%s] blocked: %s", ev.Service, strings.TrimSpace(ev.Message)), true)
	case provision.HealthWait:
		c.setServiceLocked(ev.Service, c.statusOf(ev.Service), ev.Attempt, strings.TrimSpace(ev.Message), nil, ts)
	case provision.HookFailed:
		c.appendLogLocked(fmt.Sprintf("[%s] %s", ev.Service, strings.TrimSpace(ev.Message)), true)
	case provision.HookStarted, provision.HookSucceeded:
		if c.opts.Verbose {
			c.appendLogLocked(fmt.Sprintf("[%s] %s", ev.Service, strings.TrimSpace(ev.Message)), false)
		}
	case provision.ServiceLog:
		if c.opts.Verbose {
			c.appendLogLocked(fmt.Sprintf("[%s] %s", ev.Service, strings.TrimSpace(ev.Message)), false)
		}
	case provision.MergeWarning:
		c.appendLogLocked("merge warning: "+strings.TrimSpace(ev.Message), true)
	case provision.RunCompleted:
		if msg := strings.TrimSpace(ev.Message); msg != "" {
			c.appendLogLocked("run completed: "+msg, true)
		}
	}
}

func (c *RunConsole) setServiceLocked(name, status string, attempt int, note string, evErr *provision.EventError, ts time.Time) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	row := c.services[name]
	if row == nil {
		row = &serviceRow{name: name}
		c.services[name] = row
		c.order = append(c.order, name)
	}
	if row.startedAt.IsZero() && status == "starting" {
		row.startedAt = ts
	}
	row.updatedAt = ts
	if strings.TrimSpace(status) != "" {
		row.status = strings.TrimSpace(status)
	}
	if attempt > 0 {
		row.attempt = attempt
	}
	if strings.TrimSpace(note) != "" {
		row.note = strings.TrimSpace(note)
	} else if status != "blocked" {
		row.note = ""
	}
	if evErr != nil {
		row.lastError = evErr
	}
}

func (c *RunConsole) addFailureLocked(f serviceFailure) {
	for _, existing := range c.failures {
		if existing.service == f.service && existing.attempt == f.attempt {
			return
		}
	}
	c.failures = append(c.failures, f)
}

func (c *RunConsole) appendLogLocked(line string, important bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if !important && !c.opts.Verbose {
		return
	}
	const max = 16
	c.logTail = append(c.logTail, line)
	if len(c.logTail) > max {
		c.logTail = c.logTail[len(c.logTail)-max:]
	}
}

func (c *RunConsole) statusOf(name string) string {
	if row := c.services[strings.TrimSpace(name)]; row != nil && row.status != "" {
		return row.status
	}
	return "planned"
}

func (c *RunConsole) renderLocked() {
	if !c.opts.Enabled || c.out == nil {
		return
	}
	c.applyDiffLocked(c.buildSectionsLocked())
}

func (c *RunConsole) buildSectionsLocked() []consoleSection {
	var sections []consoleSection
	sections = append(sections, consoleSection{name: "header", lines: c.renderHeaderLocked()})
	if len(c.failures) > 0 {
		sections = append(sections, consoleSection{name: "failures", lines: c.renderFailuresLocked()})
	}
	sections = append(sections, consoleSection{name: "services", lines: c.renderServicesLocked()})
	if c.opts.Verbose || len(c.failures) > 0 {
		sections = append(sections, consoleSection{name: "log", lines: c.renderLogLocked()})
	}
	sections = append(sections, consoleSection{name: "footer", lines: c.renderFooterLocked()})
	return sections
}

func (c *RunConsole) applyDiffLocked(newSections []consoleSection) {
	newTotal := countLines(newSections)
	if len(c.sections) == 0 {
		c.writeSections(newSections)
		c.sections = cloneSections(newSections)
		c.totalLines = newTotal
		return
	}
	idx := diffIndex(c.sections, newSections)
	if idx == -1 && newTotal == c.totalLines {
		return
	}
	if idx == -1 {
		idx = len(newSections)
	}
	startLine := countLines(c.sections[:idx])
	linesBelow := c.totalLines - startLine
	if linesBelow > 0 {
		fmt.Fprintf(c.out, "\x1b[%dF", linesBelow)
	}
	fmt.Fprint(c.out, "\x1b[J")
	c.writeSections(newSections[idx:])
	c.sections = cloneSections(newSections)
	c.totalLines = newTotal
}

func (c *RunConsole) writeSections(sections []consoleSection) {
	for _, section := range sections {
		for _, line := range section.lines {
			fmt.Fprintf(c.out, "%s\x1b[K\n", line)
		}
	}
}

func (c *RunConsole) renderHeaderLocked() []string {
	project := ""
	if c.plan != nil {
		project = strings.TrimSpace(c.plan.Project)
	}
	elapsed := time.Since(c.startedAt).Round(100 * time.Millisecond)
	runID := c.runID
	if runID == "" {
		runID = "…"
	}
	return []string{fmt.Sprintf("trinoctl provision • %s • runId=%s • elapsed=%s", project, runID, elapsed)}
}

func (c *RunConsole) renderFailuresLocked() []string {
	lines := []string{color.New(color.FgRed, color.Bold).Sprint("FAILURES (sticky)")}
	for _, f := range c.failures {
		msg := f.msg
		class := ""
		digest := ""
		if f.err != nil {
			class = strings.TrimSpace(f.err.Class)
			digest = strings.TrimSpace(f.err.Digest)
		}
		if len(digest) > 16 {
			digest = digest[:16] + "…"
		}
		if len(msg) > 140 {
			msg = msg[:140] + "…"
		}
		line := fmt.Sprintf("  %s attempt=%d class=%s digest=%s %s", f.service, f.attempt, class, digest, msg)
		lines = append(lines, color.New(color.FgRed).Sprint(line))
	}
	return lines
}

func (c *RunConsole) renderServicesLocked() []string {
	width := c.opts.Width
	if width <= 0 {
		width = 120
	}
	noteWidth := width - (24 + 16 + 9 + 7 + 4)
	if noteWidth < 8 {
		noteWidth = 8
	}

	lines := make([]string, 0, len(c.order)+2)
	lines = append(lines, strings.Join([]string{
		formatCell("Service", 24, alignLeft),
		formatCell("Module", 16, alignLeft),
		formatCell("Status", 9, alignLeft),
		formatCell("Attempt", 7, alignRight),
		"Note",
	}, " "))
	lines = append(lines, strings.Repeat("-", minInt(width, 100)))

	now := time.Now()
	for _, name := range c.order {
		row := c.services[name]
		if row == nil {
			row = &serviceRow{name: name, status: "planned"}
		}
		note := row.note
		if note == "" && row.lastError != nil {
			note = strings.TrimSpace(row.lastError.Class)
		}
		if !row.startedAt.IsZero() && (row.status == "starting" || row.status == "started" || row.status == "healthy") {
			elapsed := now.Sub(row.startedAt).Round(100 * time.Millisecond)
			if note == "" {
				note = elapsed.String()
			} else {
				note = fmt.Sprintf("%s (%s)", note, elapsed)
			}
		}
		lines = append(lines, strings.Join([]string{
			formatCell(row.name, 24, alignLeft),
			formatCell(row.module, 16, alignLeft),
			colorizeServiceStatus(formatCell(strings.ToUpper(row.status), 9, alignLeft)),
			formatCell(fmt.Sprintf("%d", row.attempt), 7, alignRight),
			formatCell(note, noteWidth, alignLeft),
		}, " "))
	}
	return lines
}

func (c *RunConsole) renderLogLocked() []string {
	if len(c.logTail) == 0 {
		return []string{"LOG (tail) • (empty)"}
	}
	lines := []string{"LOG (tail)"}
	for _, line := range c.logTail {
		lines = append(lines, "  "+line)
	}
	return lines
}

func (c *RunConsole) renderFooterLocked() []string {
	if strings.TrimSpace(c.runID) == "" {
		return nil
	}
	return []string{fmt.Sprintf("DETAILS trinoctl runs show %s --events", strings.TrimSpace(c.runID))}
}

func colorizeServiceStatus(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PLANNED":
		return color.New(color.FgHiBlack).Sprint(status)
	case "QUEUED":
		return color.New(color.FgCyan).Sprint(status)
	case "STARTING", "STARTED", "HEALTHY":
		return color.New(color.FgBlue, color.Bold).Sprint(status)
	case "READY":
		return color.New(color.FgGreen, color.Bold).Sprint(status)
	case "FAILED":
		return color.New(color.FgRed, color.Bold).Sprint(status)
	case "BLOCKED":
		return color.New(color.FgYellow).Sprint(status)
	default:
		return status
	}
}

// consoleOrder puts the longest dependency chain first, then the rest
// alphabetically, so the services everyone is waiting on stay visible.
func consoleOrder(p *provision.Plan) []string {
	if p == nil || len(p.Services) == 0 {
		return nil
	}
	critical := criticalPath(p)
	criticalSet := map[string]struct{}{}
	for _, name := range critical {
		criticalSet[name] = struct{}{}
	}

	var rest []string
	for _, node := range p.Services {
		if _, ok := criticalSet[node.Name]; ok {
			continue
		}
		rest = append(rest, node.Name)
	}
	sort.Strings(rest)
	return append(critical, rest...)
}

// criticalPath returns one longest chain through the Needs edges,
// start to end. Plan.Services is already topologically safe to walk in
// name order repeatedly because BuildPlan rejected cycles.
func criticalPath(p *provision.Plan) []string {
	dist := map[string]int{}
	prev := map[string]string{}

	var measure func(name string) int
	measure = func(name string) int {
		if d, ok := dist[name]; ok {
			return d
		}
		node := p.ByName[name]
		best := 0
		bestPrev := ""
		if node != nil {
			for _, dep := range node.Needs {
				if d := measure(dep); d > best {
					best = d
					bestPrev = dep
				}
			}
		}
		dist[name] = best + 1
		if bestPrev != "" {
			prev[name] = bestPrev
		}
		return best + 1
	}

	end := ""
	maxD := 0
	for _, node := range p.Services {
		if d := measure(node.Name); d > maxD {
			maxD = d
			end = node.Name
		}
	}
	if end == "" {
		return nil
	}
	var path []string
	for cur := end; cur != ""; cur = prev[cur] {
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func parseRFC3339(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func cloneSections(sections []consoleSection) []consoleSection {
	if len(sections) == 0 {
		return nil
	}
	out := make([]consoleSection, len(sections))
	for i, sec := range sections {
		lines := make([]string, len(sec.lines))
		copy(lines, sec.lines)
		out[i] = consoleSection{name: sec.name, lines: lines}
	}
	return out
}

func countLines(sections []consoleSection) int {
	total := 0
	for _, sec := range sections {
		total += len(sec.lines)
	}
	return total
}

func diffIndex(oldSections, newSections []consoleSection) int {
	limit := len(oldSections)
	if len(newSections) < limit {
		limit = len(newSections)
	}
	for i := 0; i < limit; i++ {
		if !equalLines(oldSections[i].lines, newSections[i].lines) {
			return i
		}
	}
	if len(oldSections) != len(newSections) {
		return limit
	}
	return -1
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
