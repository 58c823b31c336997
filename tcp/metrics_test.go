package tcp

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sys/unix"
)

func TestErrnoLabel(t *testing.T) {
	for err, want := range map[error]string{
		unix.ECONNRESET:                       "ECONNRESET",
		fmt.Errorf("wrapped: %w", unix.EPIPE): "EPIPE",
		errors.New("not an errno"):            "other",
		unix.Errno(0xffff):                    "other",
	} {
		if got := errnoLabel(err); got != want {
			t.Errorf("errnoLabel(%v)=%q want %q", err, got, want)
		}
	}
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	te := newTestEngine(t, func(cfg *Config) { cfg.Registerer = reg })
	te.inject(peerSegment{sport: 5000, dport: 81, seg: Segment{SEQ: 1, WND: 1024, Flags: FlagSYN}})
	te.expectOne()
	const want = `
# HELP ktcp_resets_sent_total RST segments sent.
# TYPE ktcp_resets_sent_total counter
ktcp_resets_sent_total 1
# HELP ktcp_segments_received_total Segments handed to the engine by the IP layer.
# TYPE ktcp_segments_received_total counter
ktcp_segments_received_total 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(want), "ktcp_resets_sent_total", "ktcp_segments_received_total")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewEngine(Config{Registerer: reg}, te.net); err == nil {
		t.Fatal("registering a second engine on the same registry succeeded")
	}
}
