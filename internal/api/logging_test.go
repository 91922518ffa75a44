package api

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestDebugLoggingToggle(t *testing.T) {
	var buf bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		SetDebugLogging(false)
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})

	SetDebugLogging(false)
	logDebugf("[ws] hidden %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("debug output while disabled: %q", buf.String())
	}

	SetDebugLogging(true)
	logDebugf("[ws] client %s connected", "127.0.0.1:1")
	got := buf.String()
	if !strings.HasPrefix(got, "[api] debug [ws] client 127.0.0.1:1 connected") {
		t.Fatalf("debug line = %q", got)
	}
}
