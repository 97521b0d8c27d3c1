package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Entry is one parsed log line.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Tail returns the last n entries of dir/server.log at or above minLevel.
// Lines that are not JSON are skipped.
func Tail(dir string, n int, minLevel string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	minRank := levelOrder[ParseLevel(minLevel)]
	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var raw map[string]any
		if err := json.Unmarshal(sc.Bytes(), &raw); err != nil {
			continue
		}
		e := Entry{Attrs: map[string]any{}}
		for k, v := range raw {
			switch k {
			case "time":
				if s, ok := v.(string); ok {
					e.Time, _ = time.Parse(time.RFC3339Nano, s)
				}
			case "level":
				e.Level, _ = v.(string)
			case "msg":
				e.Message, _ = v.(string)
			default:
				e.Attrs[k] = v
			}
		}
		if levelOrder[ParseLevel(e.Level)] < minRank {
			continue
		}
		out = append(out, e)
		if n > 0 && len(out) > n {
			out = out[1:]
		}
	}
	return out, sc.Err()
}
