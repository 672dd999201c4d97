package concurrency

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestBreadcrumbBufferTruncatesToMaxBytes(t *testing.T) {
	buf := NewBreadcrumbBuffer(64)
	log := logrus.New()
	log.AddHook(buf)
	log.Out = new(strings.Builder)

	for i := 0; i < 20; i++ {
		log.Info("step")
	}

	snap := buf.Snapshot()
	if len(snap) == 0 {
		t.Fatal("expected a non-empty breadcrumb trail")
	}
	total := 0
	for _, line := range snap {
		total += len(line)
	}
	if total > 64 {
		t.Fatalf("expected trail to be truncated to <=64 bytes, got %d across %d entries", total, len(snap))
	}
}

func TestBreadcrumbBufferResetClears(t *testing.T) {
	buf := NewBreadcrumbBuffer(1024)
	log := logrus.New()
	log.AddHook(buf)
	log.Out = new(strings.Builder)

	log.Warn("something happened")
	if len(buf.Snapshot()) == 0 {
		t.Fatal("expected at least one entry before reset")
	}
	buf.Reset()
	if len(buf.Snapshot()) != 0 {
		t.Fatal("expected empty trail after Reset")
	}
}

func TestBreadcrumbBufferDefaultsWhenNonPositive(t *testing.T) {
	buf := NewBreadcrumbBuffer(0)
	if buf.maxBytes != 10*1024 {
		t.Fatalf("expected default 10KB, got %d", buf.maxBytes)
	}
}
