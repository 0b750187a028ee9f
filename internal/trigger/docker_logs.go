package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// LogEntry is one line of build container output
type LogEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Stream      string    `json:"stream"`
	TaskID      string    `json:"task_id"`
	ContainerID string    `json:"container_id"`
	Message     string    `json:"message"`
}

// logFile returns the path of the log of a task below dir
func logFile(dir, taskID string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(taskID)
	return filepath.Join(dir, name+".log")
}

// collectLogs follows the output of a build container and appends it to the
// task's log file as JSON lines until the container exits or ctx is done
func (t *DockerTrigger) collectLogs(ctx context.Context, containerID, taskID string) {
	defer t.wg.Done()
	logger := t.logger.With(zap.String("task_id", taskID), zap.String("container_id", containerID))

	reader, err := t.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Error("Failed to get container logs", zap.Error(err))
		return
	}
	defer reader.Close()

	if err := os.MkdirAll(t.config.LogDir, 0755); err != nil {
		logger.Error("Failed to create log directory", zap.Error(err))
		return
	}
	file, err := os.OpenFile(logFile(t.config.LogDir, taskID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logger.Error("Failed to create log file", zap.Error(err))
		return
	}
	defer file.Close()

	sink := &logSink{enc: json.NewEncoder(file), taskID: taskID, containerID: containerID}
	stdout := &lineWriter{sink: sink, stream: "stdout"}
	stderr := &lineWriter{sink: sink, stream: "stderr"}

	if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil && ctx.Err() == nil {
		logger.Error("Failed to read container logs", zap.Error(err))
	}
	stdout.flush()
	stderr.flush()
	if sink.err != nil {
		logger.Error("Failed to write log entry", zap.Error(sink.err))
	}
}

type logSink struct {
	mu          sync.Mutex
	enc         *json.Encoder
	taskID      string
	containerID string
	err         error
}

func (s *logSink) write(stream, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = s.enc.Encode(LogEntry{
		Timestamp:   time.Now(),
		Stream:      stream,
		TaskID:      s.taskID,
		ContainerID: s.containerID,
		Message:     line,
	})
}

// lineWriter splits a demultiplexed stream into lines
type lineWriter struct {
	sink   *logSink
	stream string
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.sink.write(w.stream, strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.buf.Len() > 0 {
		w.sink.write(w.stream, w.buf.String())
		w.buf.Reset()
	}
}

// ReadLogs returns the collected output of a task between start and end.
// Zero bounds are open.
func ReadLogs(dir, taskID string, start, end time.Time) ([]LogEntry, error) {
	file, err := os.Open(logFile(dir, taskID))
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var logs []LogEntry
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode log entry: %w", err)
		}
		if !start.IsZero() && entry.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && entry.Timestamp.After(end) {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

// PruneLogs removes log files in dir last written more than maxAge ago and
// returns how many were removed
func PruneLogs(dir string, maxAge time.Duration, logger *zap.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read log directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			logger.Error("Failed to remove old log file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
