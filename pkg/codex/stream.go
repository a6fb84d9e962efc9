package codex

import (
	"bufio"
	"io"
)

// maxLineSize allows for large JSON events (up to 10MB).
const maxLineSize = 10 * 1024 * 1024

// EventHandler receives each decoded stdout event.
type EventHandler func(ev *Event)

// ReadStream scans line-delimited JSON from r until EOF, invoking handler per
// decoded event. Non-JSON lines (exec-mode banners) are skipped via onSkip
// (may be nil).
func ReadStream(r io.Reader, handler EventHandler, onSkip func(line []byte, err error)) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := Decode(line)
		if err != nil {
			if onSkip != nil {
				onSkip(line, err)
			}
			continue
		}
		handler(ev)
	}
	return scanner.Err()
}
