package shared

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestWorkerIDShape(t *testing.T) {
	id := WorkerID()
	if !strings.Contains(id, ":") {
		t.Fatalf("worker id missing host:pid separator: %q", id)
	}
	if !strings.HasSuffix(id, fmt.Sprintf(":%d", os.Getpid())) {
		t.Fatalf("worker id does not end with pid: %q", id)
	}
}

func TestUTCNowMillisecondPrecision(t *testing.T) {
	now := UTCNow()
	if now.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", now.Location())
	}
	if now.Nanosecond()%int(time.Millisecond) != 0 {
		t.Fatalf("expected millisecond truncation, got %dns", now.Nanosecond())
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789abcdef"); got != "01234567" {
		t.Fatalf("ShortID = %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Fatalf("ShortID short input = %q", got)
	}
}
