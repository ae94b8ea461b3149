package crawllog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

// Level names as they appear in the fifth field
const (
	LevelError   = "ERROR"
	LevelWarning = "WARNING"
	LevelInfo    = "INFO"
)

// Entry is one parsed crawl log line
type Entry struct {
	Timestamp string
	File      string
	Function  string
	Line      int // 0 when the field is not a number
	Level     string
	Field0    string // Outcome code
	Field1    string // Attempt "#n", record key or page number
	Field2    string // URL
}

// ParseLine splits a raw line into its eight trimmed fields.
// lineNo is only used for error reporting.
func ParseLine(raw string, lineNo int) (Entry, error) {
	fields := strings.Split(raw, "|")
	if len(fields) != FieldCount {
		return Entry{}, &utils.LogFormatError{Line: lineNo, Fields: len(fields), Raw: raw}
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	line, _ := strconv.Atoi(fields[3])
	return Entry{
		Timestamp: fields[0],
		File:      fields[1],
		Function:  fields[2],
		Line:      line,
		Level:     fields[4],
		Field0:    fields[5],
		Field1:    fields[6],
		Field2:    fields[7],
	}, nil
}

// ReadEntries parses every non-blank line. The first malformed line aborts the read.
func ReadEntries(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(raw) == "" {
			continue
		}
		e, err := ParseLine(raw, lineNo)
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("%w: reading crawl log: %w", utils.ErrFilesystem, err)
	}
	return entries, nil
}

// ReadFile parses the crawl log at path
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening crawl log '%s': %w", utils.ErrFilesystem, path, err)
	}
	defer f.Close()
	return ReadEntries(f)
}
