package core

import (
	"strings"
	"sync"
)

// ExpectedPrints records uploads this service started, so the state
// tracker can tell them apart from prints started at the device and skip
// double-archiving them. One registration per printer; registered right
// before start-print, consumed when the tracker observes the print.
type ExpectedPrints struct {
	mu        sync.Mutex
	byPrinter map[int64]string
}

func NewExpectedPrints() *ExpectedPrints {
	return &ExpectedPrints{
		byPrinter: make(map[int64]string),
	}
}

func (e *ExpectedPrints) Register(printerID int64, filename string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byPrinter[printerID] = filename
}

// Consume reports whether filename was registered for the printer and, if
// so, removes the registration. A second Consume for the same upload
// returns false.
func (e *ExpectedPrints) Consume(printerID int64, filename string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	expected, ok := e.byPrinter[printerID]
	if !ok || !strings.EqualFold(expected, filename) {
		return false
	}
	delete(e.byPrinter, printerID)
	return true
}

// Clear drops any registration for the printer, used when a dispatch
// fails after registering.
func (e *ExpectedPrints) Clear(printerID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byPrinter, printerID)
}
