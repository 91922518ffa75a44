package serial

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestBaudRateToSpeed(t *testing.T) {
	speed, err := baudRateToSpeed(115200)
	if err != nil {
		t.Fatalf("baudRateToSpeed returned error: %v", err)
	}
	if speed != unix.B115200 {
		t.Fatalf("unexpected speed constant %#x", speed)
	}
	if _, err := baudRateToSpeed(123456); err == nil {
		t.Fatalf("expected error for unsupported baud rate")
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatalf("expected error for empty device")
	}
	missing := filepath.Join(t.TempDir(), "ttyMissing")
	if _, err := Open(Config{Device: missing}); err == nil {
		t.Fatalf("expected error for missing device")
	}
	if _, err := Open(Config{Device: missing, BaudRate: 7}); err == nil {
		t.Fatalf("expected error for bad baud rate")
	}
}

func TestOpenRegularFileIsNotTerminal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(Config{Device: path}); err == nil {
		t.Fatalf("expected termios error for regular file")
	}
}

func TestErrTimeoutIsTimeout(t *testing.T) {
	var te interface{ Timeout() bool }
	if !errors.As(ErrTimeout, &te) || !te.Timeout() {
		t.Fatalf("ErrTimeout must report Timeout() == true")
	}
}
