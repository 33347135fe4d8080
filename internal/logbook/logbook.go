package logbook

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/stagegate/internal/notify"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logbook persists the release timeline of a run to a plain text file.
type Logbook struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// New creates a logbook that writes to the provided path.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Logbook{path: path, now: time.Now}, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes a single entry to the logbook.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	l.appendAt(l.now(), level, message)
}

func (l *Logbook) appendAt(at time.Time, level Level, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %-5s %s\n",
		at.UTC().Format(time.RFC3339Nano),
		string(level),
		strings.TrimSpace(message),
	)
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(line)
}

// Record appends one timeline event, stamped with the time it happened.
func (l *Logbook) Record(ev notify.Event) {
	if l == nil {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = l.now()
	}
	l.appendAt(at, LevelInfo, describe(ev))
}

// Follow records every event from events until the channel closes or ctx is
// done. It returns the number of events written.
func (l *Logbook) Follow(ctx context.Context, events <-chan notify.Event) int {
	written := 0
	for {
		select {
		case <-ctx.Done():
			return written
		case ev, ok := <-events:
			if !ok {
				return written
			}
			l.Record(ev)
			written++
		}
	}
}

func describe(ev notify.Event) string {
	switch ev.Kind {
	case notify.KindRegistered:
		return fmt.Sprintf("#%d registered %s tier=%s stage=%s", ev.Seq, ev.CallID, ev.Tier, ev.Stage)
	case notify.KindEnabled:
		return fmt.Sprintf("#%d enabled %s tier=%s stage=%s progress=%.0f%%", ev.Seq, ev.CallID, ev.Tier, ev.Stage, ev.Progress)
	case notify.KindStage:
		return fmt.Sprintf("#%d stage %s progress=%.0f%%", ev.Seq, ev.Stage, ev.Progress)
	case notify.KindClosed:
		return fmt.Sprintf("#%d closed stage=%s progress=%.0f%%", ev.Seq, ev.Stage, ev.Progress)
	default:
		return fmt.Sprintf("#%d %s", ev.Seq, ev.Kind)
	}
}

// Tail returns up to maxLines of the most recent entries along with the
// total number of entries in the file.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	total := len(lines)
	if total == 0 {
		return nil, 0
	}
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}
