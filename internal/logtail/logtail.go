// Package logtail pulls recent reconciliation failures out of the service log file.
package logtail

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

const maxLineSize = 1 << 20

// Filter selects lines. A nil Pattern matches everything.
type Filter struct {
	Pattern    *regexp.Regexp
	ErrorsOnly bool
}

// NewFilter compiles pattern; an empty pattern matches every line.
func NewFilter(pattern string, errorsOnly bool) (Filter, error) {
	f := Filter{ErrorsOnly: errorsOnly}
	if pattern == "" {
		return f, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return f, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	f.Pattern = re
	return f, nil
}

func (f Filter) Match(line string) bool {
	if f.ErrorsOnly && !isErrorLevel(line) {
		return false
	}
	return f.Pattern == nil || f.Pattern.MatchString(line)
}

// isErrorLevel recognises both slog handlers' output.
func isErrorLevel(line string) bool {
	return strings.Contains(line, "level=ERROR") || strings.Contains(line, `"level":"ERROR"`)
}

// Tail returns up to n of the last lines in path that pass filter, oldest first.
// n <= 0 returns every matching line. A missing file surfaces as an error wrapping os.ErrNotExist.
func Tail(path string, filter Filter, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	var (
		ring  []string
		next  int
		count int
	)
	if n > 0 {
		ring = make([]string, n)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if !filter.Match(line) {
			continue
		}
		if n <= 0 {
			ring = append(ring, line)
			continue
		}
		ring[next] = line
		next = (next + 1) % n
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	if n <= 0 {
		return ring, nil
	}
	if count < n {
		return append([]string(nil), ring[:count]...), nil
	}
	return append(append([]string(nil), ring[next:]...), ring[:next]...), nil
}
