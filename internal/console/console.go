package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("32"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("31"))
	headerStyle  = lipgloss.NewStyle().Bold(true)
)

// Printer writes styled progress lines. It is safe for concurrent use, transfers
// report progress from many goroutines at once.
type Printer struct {
	mu     sync.Mutex
	stream io.Writer
	indent string
}

// NewPrinter creates a new Printer instance with the specified output stream.
func NewPrinter(stream io.Writer) *Printer {

	os.Setenv("CLICOLOR_FORCE", "1")

	return &Printer{
		stream: stream,
		indent: "  ",
	}
}

func (p *Printer) Info(emoji string, format string, a ...any) (n int, err error) {
	prefix := p.indent + withEmoji(emoji)
	return p.write(prefix + fmt.Sprintf(format, a...) + "\n")
}

func (p *Printer) Success(emoji string, format string, a ...any) (n int, err error) {
	prefix := p.indent + withEmoji(emoji)
	return p.write(successStyle.Render(fmt.Sprintf(prefix+format, a...)) + "\n")
}

func (p *Printer) Warn(emoji string, format string, a ...any) (n int, err error) {
	prefix := p.indent + withEmoji(emoji)
	return p.write(warnStyle.Render(fmt.Sprintf(prefix+format, a...)) + "\n")
}

func (p *Printer) Error(emoji string, format string, a ...any) (n int, err error) {
	prefix := p.indent + withEmoji(emoji)
	return p.write(errorStyle.Render(fmt.Sprintf(prefix+format, a...)) + "\n")
}

// Header prints a bold title between two rules.
func (p *Printer) Header(title string) (n int, err error) {
	rule := "---------------------------------------------------------------------"
	return p.write(rule + "\n" + headerStyle.Render(title) + "\n" + rule + "\n")
}

// Table renders rows of label/value pairs in a bordered table.
func (p *Printer) Table(rows ...[]string) (n int, err error) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Rows(rows...)

	return p.write(t.Render() + "\n")
}

func (p *Printer) write(s string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return io.WriteString(p.stream, s)
}

func withEmoji(emoji string) string {
	if emoji == "" {
		return ""
	}
	return emoji + " "
}
