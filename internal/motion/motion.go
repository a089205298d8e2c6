// Package motion renders accelerometer readings as readout text.
package motion

import (
	"context"
	"strconv"
	"strings"
)

const NotAvailable = "Accelerometer is not available on this device."

// Reading is acceleration including gravity in m/s². A nil axis means the
// platform did not report it.
type Reading struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

func (r Reading) empty() bool {
	return r.X == nil && r.Y == nil && r.Z == nil
}

// Render formats r as lines, or NotAvailable when no axis was reported.
func Render(r Reading) string {
	if r.empty() {
		return NotAvailable
	}
	var b strings.Builder
	b.WriteString("Acceleration:\n")
	b.WriteString("x: " + axis(r.X) + "\n")
	b.WriteString("y: " + axis(r.Y) + "\n")
	b.WriteString("z: " + axis(r.Z))
	return b.String()
}

func axis(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// Sensor streams readings until ctx is done. ok is false when the device
// has no accelerometer.
type Sensor interface {
	Readings(ctx context.Context) (ch <-chan Reading, ok bool)
}

// Readout keeps the latest rendered text.
type Readout struct {
	text string
}

func NewReadout() *Readout {
	return &Readout{text: NotAvailable}
}

func (r *Readout) Text() string { return r.text }

// Run renders every reading from s until the stream ends. It is meant to
// own the Readout; read Text from the same goroutine or after Run returns.
func (r *Readout) Run(ctx context.Context, s Sensor, fn func(string)) {
	ch, ok := s.Readings(ctx)
	if !ok {
		r.text = NotAvailable
		if fn != nil {
			fn(r.text)
		}
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case rd, open := <-ch:
			if !open {
				return
			}
			r.text = Render(rd)
			if fn != nil {
				fn(r.text)
			}
		}
	}
}

// Replay is a Sensor that plays back fixed readings, for tests and the CLI.
type Replay []Reading

func (p Replay) Readings(ctx context.Context) (<-chan Reading, bool) {
	if p == nil {
		return nil, false
	}
	ch := make(chan Reading)
	go func() {
		defer close(ch)
		for _, rd := range p {
			select {
			case ch <- rd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, true
}
