package console

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrinter(t *testing.T) {
	assert := require.New(t)

	buf := new(bytes.Buffer)

	printer := NewPrinter(buf)

	// Test Info
	printer.Info("ℹ️", "This is an info message: %s", "test")

	assert.Contains(buf.String(), "ℹ️ This is an info message: test")

	buf = new(bytes.Buffer)

	printer = NewPrinter(buf)

	// Test Warn
	printer.Warn("⚠️", "This is a warning message: %s", "test")

	assert.Contains(buf.String(), "⚠️ This is a warning message: test")

	buf = new(bytes.Buffer)

	printer = NewPrinter(buf)

	printer.Table([]string{"Scenario", "Upload Blobs"}, []string{"Count", "3"})

	assert.Contains(buf.String(), "Upload Blobs")
	assert.Contains(buf.String(), "Count")
}

func TestPrinter_ConcurrentLines(t *testing.T) {
	buf := new(bytes.Buffer)
	printer := NewPrinter(buf)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			printer.Info("", "Downloaded blob: %d", i)
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 50)
	for _, line := range lines {
		require.True(t, strings.HasPrefix(line, "  Downloaded blob: "), fmt.Sprintf("interleaved line %q", line))
	}
}
