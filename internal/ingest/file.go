package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/basket/policyd/internal/policy"
	"github.com/basket/policyd/internal/reducer"
)

const maxLineBytes = 1 << 20

// FileStats summarizes one JSONL ingest.
type FileStats struct {
	Lines      int `json:"lines"`
	Invalid    int `json:"invalid"`
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// FileSource reads newline-delimited events and submits them in file order.
type FileSource struct {
	decoder *Decoder
	sink    Sink
	logger  *slog.Logger
}

func NewFileSource(decoder *Decoder, sink Sink, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{decoder: decoder, sink: sink, logger: logger}
}

// Run submits every line of r and waits until each submitted event has
// finished. Blank lines are skipped; invalid lines are rejected and counted.
func (f *FileSource) Run(ctx context.Context, r io.Reader) (FileStats, error) {
	var (
		stats FileStats
		mu    sync.Mutex
		wg    sync.WaitGroup
	)
	done := func(_ policy.OutcomeEvent, res reducer.Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case errors.Is(err, policy.ErrInvalidEvent):
			stats.Invalid++
		case err != nil:
			stats.Failed++
		case res.Outcome == reducer.OutcomeDuplicate:
			stats.Duplicates++
		default:
			stats.Applied++
		}
		wg.Done()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	var runErr error
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		mu.Lock()
		stats.Lines++
		lineNo := stats.Lines
		mu.Unlock()

		ev, err := f.decoder.Decode(line)
		if err != nil {
			rejectPayload(ctx, f.logger, fmt.Sprintf("line %d", lineNo), line, err)
			mu.Lock()
			stats.Invalid++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		if err := f.sink.Submit(ctx, ev, done); err != nil {
			wg.Done()
			runErr = fmt.Errorf("submit line %d: %w", lineNo, err)
			break
		}
	}
	if runErr == nil {
		if err := scanner.Err(); err != nil {
			runErr = fmt.Errorf("read events: %w", err)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return stats, runErr
}
