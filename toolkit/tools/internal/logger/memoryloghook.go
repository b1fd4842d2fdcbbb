// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package logger

// Keeps log messages in memory so that tests can check what was logged.

import (
	"sync"

	"github.com/sirupsen/logrus"
)

type MemoryLogMessage struct {
	Message string
	Level   logrus.Level
	Fields  logrus.Fields
}

// MemoryLog records the messages logged while it is registered. Several may be registered at once,
// e.g. by parallel tests.
type MemoryLog struct {
	lock     sync.Mutex
	messages []MemoryLogMessage
}

type memoryLogHook struct {
	lock sync.Mutex
	logs []*MemoryLog
}

var memoryHook = &memoryLogHook{}

func (h *memoryLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *memoryLogHook) Fire(entry *logrus.Entry) error {
	h.lock.Lock()
	logs := h.logs
	h.lock.Unlock()

	for _, log := range logs {
		log.add(entry)
	}
	return nil
}

// StartMemoryLog registers a new in-memory log. Call Stop to unregister it.
func StartMemoryLog() *MemoryLog {
	log := &MemoryLog{}

	memoryHook.lock.Lock()
	defer memoryHook.lock.Unlock()
	memoryHook.logs = append(append([]*MemoryLog(nil), memoryHook.logs...), log)
	return log
}

func (l *MemoryLog) Stop() {
	memoryHook.lock.Lock()
	defer memoryHook.lock.Unlock()

	logs := []*MemoryLog(nil)
	for _, log := range memoryHook.logs {
		if log != l {
			logs = append(logs, log)
		}
	}
	memoryHook.logs = logs
}

func (l *MemoryLog) add(entry *logrus.Entry) {
	fields := make(logrus.Fields, len(entry.Data))
	for key, value := range entry.Data {
		fields[key] = value
	}

	l.lock.Lock()
	defer l.lock.Unlock()
	l.messages = append(l.messages, MemoryLogMessage{
		Message: entry.Message,
		Level:   entry.Level,
		Fields:  fields,
	})
}

// Messages returns the messages logged at the given level or a more severe one.
func (l *MemoryLog) Messages(level logrus.Level) []MemoryLogMessage {
	l.lock.Lock()
	defer l.lock.Unlock()

	messages := []MemoryLogMessage(nil)
	for _, message := range l.messages {
		if message.Level <= level {
			messages = append(messages, message)
		}
	}
	return messages
}
