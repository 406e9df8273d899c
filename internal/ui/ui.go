// Package ui declares the screen-side collaborators the messaging core drives:
// transient alerts and navigation. Rendering lives outside this module; the
// console implementations back the headless client.
package ui

import (
	"fmt"
	"io"
	"sync"
)

// Action is one button of an alert.
type Action struct {
	Label string
	Run   func()
}

// Alert is a transient, dismissible message with optional actions.
type Alert struct {
	Title   string
	Message string
	View    *Action // primary action; nil for plain error alerts
	Dismiss *Action
}

// Alerter shows alerts to the user.
type Alerter interface {
	Show(a Alert)
}

// Navigator pushes a route onto the navigation stack.
type Navigator interface {
	Push(path string)
}

// ---------------------------------------------------------------------------
// Console implementations
// ---------------------------------------------------------------------------

// Console writes alerts and navigation to w. View actions are run
// immediately when AutoView is set, which lets the headless client follow
// deep links.
type Console struct {
	w        io.Writer
	mu       sync.Mutex
	AutoView bool
}

// NewConsole returns a console writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Show(a Alert) {
	c.mu.Lock()
	fmt.Fprintf(c.w, "[alert] %s: %s\n", a.Title, a.Message)
	auto := c.AutoView
	c.mu.Unlock()

	if auto && a.View != nil && a.View.Run != nil {
		a.View.Run()
	}
}

func (c *Console) Push(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "[navigate] %s\n", path)
}
