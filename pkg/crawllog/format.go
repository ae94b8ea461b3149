package crawllog

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// TimestampFormat is the layout of the first field of every crawl log line
const TimestampFormat = "2006-01-02 15:04:05"

// FieldCount is the number of pipe-separated fields in a crawl log line
const FieldCount = 8

// PipeFormatter renders logrus entries as
// timestamp|sourceFile|function|line|LEVEL|field0|field1|field2.
// The message supplies field0..field2; build it with Msg.
type PipeFormatter struct {
	TimestampFormat string
}

// Format implements logrus.Formatter
func (f *PipeFormatter) Format(e *logrus.Entry) ([]byte, error) {
	layout := f.TimestampFormat
	if layout == "" {
		layout = TimestampFormat
	}

	file, function, line := "-", "-", "0"
	if e.Caller != nil {
		file = filepath.Base(e.Caller.File)
		function = shortFuncName(e.Caller.Function)
		line = strconv.Itoa(e.Caller.Line)
	}

	msg := strings.NewReplacer("\r", " ", "\n", " ").Replace(e.Message)
	parts := strings.SplitN(msg, "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	// A stray pipe in the last field would break the field count
	parts[2] = strings.ReplaceAll(parts[2], "|", "%7C")

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s|%s|%s|%s|%s|%s|%s|%s\n",
		e.Time.Format(layout), file, function, line,
		strings.ToUpper(e.Level.String()),
		parts[0], parts[1], parts[2])
	return b.Bytes(), nil
}

// shortFuncName drops the import path: "a/b/fetch.(*Fetcher).Fetch" -> "fetch.(*Fetcher).Fetch"
func shortFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		return fn[i+1:]
	}
	return fn
}

var fieldReplacer = strings.NewReplacer("|", "/", "\n", " ", "\r", " ")

// Msg joins an outcome code, an identifier (attempt "#n", record key or page number) and a URL
// into the three message fields of a crawl log line.
func Msg(code string, id interface{}, url string) string {
	return fieldReplacer.Replace(code) + "|" + fieldReplacer.Replace(fmt.Sprint(id)) + "|" + url
}

// Attempt formats an attempt counter the way fetch lines carry it
func Attempt(n int) string {
	return "#" + strconv.Itoa(n)
}
