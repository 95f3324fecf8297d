package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Transition records a single reservation or workstation state change.
type Transition struct {
	Timestamp     time.Time `json:"timestamp"`
	ReservationID string    `json:"reservation_id"`
	Entity        string    `json:"entity"` // "reservation" or "workstation"
	From          string    `json:"from"`
	To            string    `json:"to"`
	Detail        string    `json:"detail,omitempty"`
}

// TransitionLogger writes state transitions to the console and optionally
// to a JSON-lines file.
type TransitionLogger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultTransitions = &TransitionLogger{enabled: true, console: true}

// Transitions returns the default transition logger.
func Transitions() *TransitionLogger {
	return defaultTransitions
}

// SetOutput sets the transition log file.
func (l *TransitionLogger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *TransitionLogger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a transition entry.
func (l *TransitionLogger) Log(entry *Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		detail := ""
		if entry.Detail != "" {
			detail = " (" + entry.Detail + ")"
		}
		fmt.Printf("[transition] %s %s %s -> %s%s\n",
			entry.ReservationID, entry.Entity, entry.From, entry.To, detail)
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the transition log file.
func (l *TransitionLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
