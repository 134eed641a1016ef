package console

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestPrinterPlainOutput(t *testing.T) {
	ConfigureColorProfile("never")

	var buf bytes.Buffer
	p := NewPrinter(&buf, "CLI")
	p.Infof("Request created: %s", "abc-123")
	p.Successf("approved")
	p.Failf("rejected")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if lines[0] != "[CLI] Request created: abc-123" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != "[CLI] ✓ approved" || lines[2] != "[CLI] ✗ rejected" {
		t.Errorf("icons = %q, %q", lines[1], lines[2])
	}
}

func TestPrinterConcurrentLinesStayWhole(t *testing.T) {
	ConfigureColorProfile("never")

	var buf bytes.Buffer
	p := NewPrinter(&buf, "SIM")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Infof("handled")
		}()
	}
	wg.Wait()

	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if l != "[SIM] handled" {
			t.Fatalf("interleaved line %q", l)
		}
	}
}
