package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dkeye/Callbox/internal/motion"
	"github.com/rs/zerolog/log"
)

// lineSensor reads one JSON reading per line, e.g. {"x":0.1,"y":9.8,"z":null}.
type lineSensor struct {
	r io.Reader
}

func (s lineSensor) Readings(ctx context.Context) (<-chan motion.Reading, bool) {
	ch := make(chan motion.Reading)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(s.r)
		for sc.Scan() {
			var rd motion.Reading
			if err := json.Unmarshal(sc.Bytes(), &rd); err != nil {
				log.Warn().Err(err).Str("module", "callbox").Msg("skip bad reading")
				continue
			}
			select {
			case ch <- rd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, true
}

func runMotion(ctx context.Context, _ *env, _ []string) error {
	readout := motion.NewReadout()
	readout.Run(ctx, lineSensor{r: os.Stdin}, func(text string) {
		fmt.Println(text)
	})
	return nil
}
