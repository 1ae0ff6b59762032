/*
Copyright 2026 UDS Client Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logutils configures the process-wide logrus logger: text output to
// stderr by default, or to the file named by consts.LogFileEnvVar when set,
// with verbosity gated by consts.DebugEnvVar and the --debug flag.
package logutils

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/udsclient/gateway/lib/uds/consts"
)

// tailCapacity bounds how much captured log output Tail retains, matching
// the cleanup sequence's "last 64 KiB of captured log" upload step.
const tailCapacity = 64 * 1024

// TailBuffer is an io.Writer that retains only the most recent tailCapacity
// bytes written to it, so the cleanup step can upload a bounded log tail
// without buffering the whole session's output.
type TailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

// NewTailBuffer returns an empty TailBuffer.
func NewTailBuffer() *TailBuffer {
	return &TailBuffer{}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > tailCapacity {
		t.buf = t.buf[len(t.buf)-tailCapacity:]
	}
	return len(p), nil
}

// String returns a snapshot of the retained tail.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// defaultTail is the process-wide tail buffer Init wires into the logger's
// output, and Tail reads from.
var defaultTail = NewTailBuffer()

// Tail returns the last 64 KiB (or fewer) of log output captured since Init
// was called.
func Tail() string {
	return defaultTail.String()
}

// Formatter renders log entries the way the client's terminal output has
// always looked: "LEVEL [component] message key:value ...".
type Formatter struct {
	// DisableTimestamp omits the leading timestamp, useful for tests that
	// assert on exact output.
	DisableTimestamp bool
}

// Format implements logrus.Formatter.
func (f *Formatter) Format(e *logrus.Entry) ([]byte, error) {
	var b []byte

	if !f.DisableTimestamp {
		b = append(b, e.Time.Format("2006-01-02T15:04:05.000Z07:00")...)
		b = append(b, ' ')
	}

	b = append(b, levelTag(e.Level)...)
	b = append(b, ' ')

	if comp, ok := e.Data["component"]; ok {
		b = append(b, '[')
		b = append(b, toString(comp)...)
		b = append(b, ']', ' ')
	}

	b = append(b, e.Message...)

	for k, v := range e.Data {
		if k == "component" {
			continue
		}
		b = append(b, ' ')
		b = append(b, k...)
		b = append(b, ':')
		b = append(b, toString(v)...)
	}

	b = append(b, '\n')
	return b, nil
}

func levelTag(l logrus.Level) string {
	switch l {
	case logrus.TraceLevel:
		return "TRAC"
	case logrus.DebugLevel:
		return "DEBU"
	case logrus.InfoLevel:
		return "INFO"
	case logrus.WarnLevel:
		return "WARN"
	case logrus.ErrorLevel:
		return "ERRO"
	case logrus.FatalLevel:
		return "FATL"
	case logrus.PanicLevel:
		return "PANI"
	default:
		return "????"
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", v)
}

// Init configures the standard logrus logger for the lifetime of the
// process: the custom Formatter, an output sink chosen between
// consts.LogFileEnvVar and stderr, and a level gated by debug.
//
// Init never fails outright: if the log file can't be opened it falls back
// to stderr and logs a warning there, since a broken consts.LogFileEnvVar
// setting shouldn't prevent the tool from running.
func Init(debug bool) {
	logrus.SetFormatter(&Formatter{})

	level := logrus.InfoLevel
	if debug || os.Getenv(consts.DebugEnvVar) != "" {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)

	out, warning := openLogOutput()
	logrus.SetOutput(io.MultiWriter(out, defaultTail))
	if warning != "" {
		logrus.WithField("component", "uds:logutils").Warn(warning)
	}
}

func openLogOutput() (io.Writer, string) {
	path := os.Getenv(consts.LogFileEnvVar)
	if path == "" {
		return os.Stderr, ""
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return os.Stderr, fmt.Sprintf("could not open %s (%s=%s), logging to stderr instead", path, consts.LogFileEnvVar, path)
	}
	return f, ""
}
