package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Entry is one line of the authoritative transcript log.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	// Intent is optional; entries without one are classified from text.
	Intent string `json:"intent,omitempty"`
	Usage  *Usage `json:"usage,omitempty"`

	// Offset is the byte position of the line start within the log file.
	// Computed by the reader, never serialized.
	Offset int64 `json:"-"`
}

// Usage carries context-usage figures reported alongside an entry.
type Usage struct {
	TotalTokens int64 `json:"total_tokens"`
}

// ReadEntries reads complete log lines from the given byte offset forward.
// It returns the parsed entries, the offset just past the last complete
// line, and the number of lines that failed to parse. A trailing line
// without a newline is an in-progress write and is left for the next pass;
// the log is never assumed to be finished growing.
func ReadEntries(path string, fromOffset int64) ([]Entry, int64, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fromOffset, 0, fmt.Errorf("open transcript: %w", err)
	}
	defer file.Close()

	if fromOffset < 0 {
		fromOffset = 0
	}
	if _, err := file.Seek(fromOffset, io.SeekStart); err != nil {
		return nil, fromOffset, 0, fmt.Errorf("seek transcript to %d: %w", fromOffset, err)
	}

	reader := bufio.NewReader(file)
	entries := make([]Entry, 0)
	malformed := 0
	offset := fromOffset

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Partial trailing line: leave the offset before it.
				break
			}
			return entries, offset, malformed, fmt.Errorf("read transcript: %w", err)
		}

		lineStart := offset
		offset += int64(len(line))

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(trimmed, &entry); err != nil {
			malformed++
			continue
		}
		entry.Offset = lineStart
		entries = append(entries, entry)
	}

	return entries, offset, malformed, nil
}

// LatestUsage reads backward-compatible usage data from the newest entries
// past fromOffset. Returns the last non-nil total and whether one was found.
func LatestUsage(path string, fromOffset int64) (int64, bool, error) {
	entries, _, _, err := ReadEntries(path, fromOffset)
	if err != nil {
		return 0, false, err
	}
	var total int64
	found := false
	for _, entry := range entries {
		if entry.Usage != nil {
			total = entry.Usage.TotalTokens
			found = true
		}
	}
	return total, found, nil
}
