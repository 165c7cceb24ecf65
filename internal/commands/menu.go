package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/x/term"
	"github.com/cosmoblob/attachments"
	"github.com/rs/zerolog/log"
)

const (
	keyCtrlC = 0x03
	keyCtrlD = 0x04
)

// errQuit ends the menu loop without reporting a failure.
var errQuit = errors.New("quit")

// KeyReader returns one keypress at a time.
type KeyReader interface {
	ReadKey() (byte, error)
}

// streamKeyReader reads one byte per key from a non-terminal input.
type streamKeyReader struct {
	r *bufio.Reader
}

func newStreamKeyReader(r io.Reader) *streamKeyReader {
	return &streamKeyReader{r: bufio.NewReader(r)}
}

func (s *streamKeyReader) ReadKey() (byte, error) {
	return s.r.ReadByte()
}

// ttyKeyReader switches the terminal to raw mode for the duration of each read,
// so progress output between reads keeps normal line handling.
type ttyKeyReader struct {
	f *os.File

	mu    sync.Mutex
	state *term.State
}

func (t *ttyKeyReader) ReadKey() (byte, error) {
	state, err := term.MakeRaw(t.f.Fd())
	if err != nil {
		return 0, fmt.Errorf("failed to enable raw mode: %w", err)
	}

	t.mu.Lock()
	t.state = state
	t.mu.Unlock()

	defer t.restore()

	var buf [1]byte
	if _, err := io.ReadFull(t.f, buf[:]); err != nil {
		return 0, err
	}

	return buf[0], nil
}

// Close puts the terminal back into its original mode when a read is abandoned.
func (t *ttyKeyReader) Close() error {
	return t.restore()
}

func (t *ttyKeyReader) restore() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == nil {
		return nil
	}

	err := term.Restore(t.f.Fd(), t.state)
	t.state = nil
	return err
}

// NewKeyReader picks a raw terminal reader when f is a TTY.
func NewKeyReader(f *os.File) KeyReader {
	if term.IsTerminal(f.Fd()) {
		return &ttyKeyReader{f: f}
	}
	return newStreamKeyReader(f)
}

type MenuCmd struct {
	keys KeyReader `kong:"-"`
}

func (cmd *MenuCmd) Run(ctx context.Context, globals *Globals) error {
	if err := validateFlags(globals.Common); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	keys := cmd.keys
	if keys == nil {
		keys = NewKeyReader(os.Stdin)
	}

	return runMenu(ctx, globals, keys)
}

// runMenu prints the menu and runs the chosen scenario until the input ends or
// the context is cancelled. A failed scenario ends the loop with its error.
func runMenu(ctx context.Context, globals *Globals, keys KeyReader) error {
	printMenu(globals)

	for {
		if ctx.Err() != nil {
			return nil
		}

		key, err := readKeyContext(ctx, keys)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errQuit) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read key: %w", err)
		}

		scenario, ok := scenarioForKey(key)
		if !ok {
			log.Debug().Int("key", int(key)).Msg("unrecognised menu key")
			globals.Printer.Warn("", "Select choice")
			printMenu(globals)
			continue
		}

		if err := runScenario(ctx, globals, scenario); err != nil {
			return err
		}

		printMenu(globals)
	}
}

type keyResult struct {
	key byte
	err error
}

// readKeyContext waits for the next key or for ctx to be done. A blocked read is
// abandoned on cancellation; readers implementing io.Closer are closed so the
// terminal is restored.
func readKeyContext(ctx context.Context, keys KeyReader) (byte, error) {
	result := make(chan keyResult, 1)

	go func() {
		key, err := readKey(keys)
		result <- keyResult{key: key, err: err}
	}()

	select {
	case r := <-result:
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return r.key, r.err
	case <-ctx.Done():
		if closer, ok := keys.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				log.Debug().Err(err).Msg("failed to close key reader")
			}
		}
		return 0, ctx.Err()
	}
}

// readKey skips whitespace so line-buffered input like "1\n" selects once.
func readKey(keys KeyReader) (byte, error) {
	for {
		key, err := keys.ReadKey()
		if err != nil {
			return 0, err
		}

		switch key {
		case ' ', '\t', '\r', '\n':
			continue
		case keyCtrlC, keyCtrlD:
			return 0, errQuit
		default:
			return key, nil
		}
	}
}

func scenarioForKey(key byte) (attachments.Scenario, bool) {
	n := int(key) - '1'
	if n < 0 || n >= len(attachments.Scenarios) {
		return "", false
	}
	return attachments.Scenarios[n], true
}

func printMenu(globals *Globals) {
	globals.Printer.Header("Attachments Demo")
	globals.Printer.Info("", "Press for demo scenario:")
	for n, scenario := range attachments.Scenarios {
		globals.Printer.Info("", "%d - %s", n+1, scenario)
	}
	globals.Printer.Info("", "---------------------------------------------------------------------")
}
