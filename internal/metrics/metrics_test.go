package metrics

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRunStatsLoggerLogsWhenActive(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunStatsLogger(ctx, func() Stats { return Stats{Sessions: 3, STTStreams: 1} }, 30*time.Millisecond, logger)
		close(done)
	}()

	time.Sleep(80 * time.Millisecond)
	cancel()
	<-done

	output := buf.String()
	if !strings.Contains(output, "server stats") {
		t.Errorf("expected a stats log line, got: %q", output)
	}
	if !strings.Contains(output, "sessions=3") {
		t.Errorf("expected sessions=3 in output, got: %q", output)
	}
}

func TestRunStatsLoggerSilentWhenIdle(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunStatsLogger(ctx, func() Stats { return Stats{} }, 30*time.Millisecond, logger)
		close(done)
	}()

	time.Sleep(80 * time.Millisecond)
	cancel()
	<-done

	if strings.Contains(buf.String(), "server stats") {
		t.Errorf("expected no stats log line while idle, got: %q", buf.String())
	}
}

func TestRecordSongSwitchIncrementsLabeledCounter(t *testing.T) {
	before := testutil.ToFloat64(songSwitches.WithLabelValues("auto"))
	RecordSongSwitch("auto")
	after := testutil.ToFloat64(songSwitches.WithLabelValues("auto"))
	if after != before+1 {
		t.Errorf("songSwitches[auto]: got %v, want %v", after, before+1)
	}
}
