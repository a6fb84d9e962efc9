package claudecode

import (
	"bufio"
	"io"
)

// maxLineSize allows for large JSON messages (up to 10MB).
const maxLineSize = 10 * 1024 * 1024

// MessageHandler receives each decoded stdout message.
type MessageHandler func(msg *CLIMessage)

// ReadStream scans line-delimited JSON from r until EOF, invoking handler per
// decoded message. Undecodable lines are skipped via onSkip (may be nil).
func ReadStream(r io.Reader, handler MessageHandler, onSkip func(line []byte, err error)) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := Decode(line)
		if err != nil {
			if onSkip != nil {
				onSkip(line, err)
			}
			continue
		}
		handler(msg)
	}
	return scanner.Err()
}
