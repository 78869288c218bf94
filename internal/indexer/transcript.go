package indexer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	headerPeekBytes = 32 * 1024
	headerPeekLines = 50

	// Long transcript lines (large tool results) still need to scan.
	maxLineBytes = 16 * 1024 * 1024
)

// Header holds what a bounded read of a transcript's first lines yields.
type Header struct {
	SessionID        string
	WorkingDir       string
	FirstUserMessage string
}

// Turn is one parsed conversational transcript line. Tool-only turns parse
// to empty Content and are dropped by ReadTurns.
type Turn struct {
	Line      int
	Role      string
	Content   string
	Timestamp time.Time
}

type transcriptLine struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	Timestamp string `json:"timestamp"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PeekHeader reads at most headerPeekBytes / headerPeekLines from the start
// of a transcript to recover its session id, working directory, and first
// user message without parsing the whole file.
func PeekHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("peek header: %w", err)
	}
	defer f.Close()

	var h Header
	scanner := bufio.NewScanner(&boundedReader{r: f, remaining: headerPeekBytes})
	scanner.Buffer(make([]byte, 64*1024), headerPeekBytes)

	for lines := 0; lines < headerPeekLines && scanner.Scan(); lines++ {
		var line transcriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if h.SessionID == "" && line.SessionID != "" {
			h.SessionID = line.SessionID
		}
		if h.WorkingDir == "" && line.Cwd != "" {
			h.WorkingDir = line.Cwd
		}
		if h.FirstUserMessage == "" && line.Type == "user" {
			if text := textContent(line.Message.Content); text != "" {
				h.FirstUserMessage = text
			}
		}
		if h.SessionID != "" && h.WorkingDir != "" && h.FirstUserMessage != "" {
			break
		}
	}
	return h, nil
}

// CountLines counts transcript lines without parsing them.
func CountLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("count lines: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	count := 0
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("count lines: %w", err)
	}
	return count, nil
}

// ReadTurns parses transcript lines starting after fromLine (1-based count
// of lines already consumed). Lines that are not user or assistant turns,
// or whose content has no text blocks, are skipped but still advance the
// line number.
func ReadTurns(path string, fromLine int) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read turns: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var out []Turn
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= fromLine {
			continue
		}
		var line transcriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Type != "user" && line.Type != "assistant" {
			continue
		}
		text := textContent(line.Message.Content)
		if text == "" {
			continue
		}
		role := line.Message.Role
		if role == "" {
			role = line.Type
		}
		out = append(out, Turn{
			Line:      lineNo,
			Role:      role,
			Content:   text,
			Timestamp: parseTimestamp(line.Timestamp),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read turns: %w", err)
	}
	return out, nil
}

// textContent joins the text blocks of a message content value. Content is
// either a plain string or an array of typed blocks; non-text blocks (tool
// use, tool results) contribute nothing.
func textContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return strings.TrimSpace(plain)
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, strings.TrimSpace(b.Text))
		}
	}
	return strings.Join(parts, "\n")
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// boundedReader stops after a fixed number of bytes.
type boundedReader struct {
	r         *os.File
	remaining int
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if len(p) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= n
	return n, err
}
