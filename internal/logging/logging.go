// Package logging owns logrus setup for the broker. Log output is a
// side channel: nothing in the retry or selection logic reads it.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ConsoleLogEnv toggles console logging when set to "1" or "true".
const ConsoleLogEnv = "ANTIGRAVITY_BROKER_CONSOLE_LOG"

var setupOnce sync.Once

// Formatter renders entries as "[timestamp] [LEVEL] message", matching
// the bracketed-component convention used across the broker.
type Formatter struct{}

// Format renders a single log entry.
func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	var buffer *bytes.Buffer
	if entry.Buffer != nil {
		buffer = entry.Buffer
	} else {
		buffer = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05.000")
	message := strings.TrimRight(entry.Message, "\r\n")
	fmt.Fprintf(buffer, "[%s] [%s] %s\n", timestamp, strings.ToUpper(entry.Level.String()), message)
	return buffer.Bytes(), nil
}

// Setup configures the shared logrus instance. Safe to call more than
// once; initialization happens only on the first call.
func Setup(debug bool) {
	setupOnce.Do(func() {
		log.SetFormatter(&Formatter{})
		if consoleEnabled() {
			log.SetOutput(os.Stdout)
		} else {
			log.SetOutput(io.Discard)
		}
		if debug {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
	})
}

func consoleEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(ConsoleLogEnv)))
	return v == "1" || v == "true"
}
