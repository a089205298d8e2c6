package main

import (
	"context"
	"strings"
	"testing"

	"github.com/dkeye/Callbox/internal/motion"
)

func TestLineSensorSkipsBadLines(t *testing.T) {
	in := strings.NewReader("{\"x\":1,\"y\":2,\"z\":3}\nnot json\n{\"x\":null}\n")
	ch, ok := lineSensor{r: in}.Readings(context.Background())
	if !ok {
		t.Fatalf("line sensor must be available")
	}
	var got []string
	for rd := range ch {
		got = append(got, motion.Render(rd))
	}
	if len(got) != 2 {
		t.Fatalf("got %d readings, want 2: %q", len(got), got)
	}
	if got[0] != "Acceleration:\nx: 1\ny: 2\nz: 3" || got[1] != motion.NotAvailable {
		t.Fatalf("unexpected readings: %q", got)
	}
}
