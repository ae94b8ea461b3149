package classify

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/empire-scraper/pkg/crawllog"
	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

// Report summarizes a crawl log for operators
type Report struct {
	LogFile        string         `yaml:"log_file"`
	Lines          int            `yaml:"lines"`
	LinesPerLevel  map[string]int `yaml:"lines_per_level"`
	ErrorsPerCode  []CodeCount    `yaml:"errors_per_code"`
	Classification Result         `yaml:"classification"`
}

// CodeCount is the number of ERROR lines sharing one outcome code
type CodeCount struct {
	Code  string `yaml:"code"`
	Count int    `yaml:"count"`
}

// BuildReport counts lines per level and ERROR lines per outcome code
func BuildReport(logFile string, entries []crawllog.Entry, res Result) Report {
	r := Report{
		LogFile:        logFile,
		Lines:          len(entries),
		LinesPerLevel:  make(map[string]int),
		Classification: res,
	}
	perCode := make(map[string]int)
	for _, e := range entries {
		r.LinesPerLevel[e.Level]++
		if e.Level == crawllog.LevelError {
			perCode[e.Field0]++
		}
	}
	for code, n := range perCode {
		r.ErrorsPerCode = append(r.ErrorsPerCode, CodeCount{Code: code, Count: n})
	}
	sort.Slice(r.ErrorsPerCode, func(i, j int) bool {
		if r.ErrorsPerCode[i].Count != r.ErrorsPerCode[j].Count {
			return r.ErrorsPerCode[i].Count > r.ErrorsPerCode[j].Count
		}
		return r.ErrorsPerCode[i].Code < r.ErrorsPerCode[j].Code
	})
	return r
}

// WriteYAML writes the report to path, creating parent directories
func (r Report) WriteYAML(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal classification report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: creating report dir: %w", utils.ErrFilesystem, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: writing report '%s': %w", utils.ErrFilesystem, path, err)
	}
	return nil
}
