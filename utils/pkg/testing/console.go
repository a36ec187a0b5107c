package relaytesting

import (
	"bytes"
	"strings"
	"sync"
)

// Console is a goroutine-safe writer that records console echo output.
type Console struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

// Lines returns the non-empty lines written so far.
func (c *Console) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var lines []string
	for _, l := range strings.Split(c.buf.String(), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
