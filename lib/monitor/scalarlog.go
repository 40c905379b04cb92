// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// ScalarLogFile is the file name of a ScalarLog inside its directory.
const ScalarLogFile = "scalars.jsonl"

// Event is one line of a ScalarLog.
type Event struct {
	Time  time.Time `json:"time"`
	Step  int       `json:"step"`
	Key   string    `json:"key"`
	Value *float64  `json:"value,omitempty"`
	Text  string    `json:"text,omitempty"`
}

// ScalarLog appends events as JSON lines and flushes after every event.
type ScalarLog struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
	now  func() time.Time
}

var _ Sink = (*ScalarLog)(nil)

// NewScalarLog creates dir/scalars.jsonl, appending when it exists.
func NewScalarLog(dir string) (*ScalarLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	path := filepath.Join(dir, ScalarLogFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening scalar log: %w", err)
	}
	return &ScalarLog{f: f, w: bufio.NewWriter(f), path: path, now: time.Now}, nil
}

// Path returns the log file path.
func (l *ScalarLog) Path() string { return l.path }

// AddScalar appends a scalar event.
func (l *ScalarLog) AddScalar(key string, value float64, step int) error {
	return l.write(Event{Step: step, Key: key, Value: &value})
}

// AddText appends a text event.
func (l *ScalarLog) AddText(key, text string, step int) error {
	return l.write(Event{Step: step, Key: key, Text: text})
}

func (l *ScalarLog) write(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return os.ErrClosed
	}
	e.Time = l.now().UTC()
	data, err := sonic.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", e.Key, err)
	}
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing event %s: %w", e.Key, err)
	}
	return l.w.Flush()
}

// Close flushes and closes the file.
func (l *ScalarLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	flushErr := l.w.Flush()
	closeErr := l.f.Close()
	l.f = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// ReadEvents reads every event of a scalar log file.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e Event
		if err := sonic.UnmarshalString(scanner.Text(), &e); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}
