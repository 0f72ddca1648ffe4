package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-i2p/go-overlay/lib/events"
	"github.com/go-i2p/go-overlay/lib/identity"
	"golang.org/x/term"
)

var (
	originStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

// console writes node output. Styling and the prompt are only used when
// stdin and stdout are terminals.
type console struct {
	mu     sync.Mutex
	out    io.Writer
	styled bool
}

func newConsole(out *os.File) *console {
	tty := term.IsTerminal(int(out.Fd())) && term.IsTerminal(int(os.Stdin.Fd()))
	return &console{out: out, styled: tty}
}

func (c *console) render(s lipgloss.Style, text string) string {
	if !c.styled {
		return text
	}
	return s.Render(text)
}

func (c *console) data(d events.Data) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.styled {
		// Overwrite the pending prompt.
		fmt.Fprint(c.out, "\r")
	}
	fmt.Fprintf(c.out, "[%s] %s\n", c.render(originStyle, identity.Short(d.Origin)), d.Payload)
	c.promptLocked()
}

func (c *console) info(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, c.render(infoStyle, fmt.Sprintf(format, args...)))
}

func (c *console) errorf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, c.render(errorStyle, "error: "+fmt.Sprintf(format, args...)))
}

func (c *console) prompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.promptLocked()
}

func (c *console) promptLocked() {
	if c.styled {
		fmt.Fprint(c.out, promptStyle.Render("> "))
	}
}
