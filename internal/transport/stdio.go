package transport

import (
	"bufio"
	"context"
	"io"
	"log/slog"

	"github.com/basket/vibe-orchestrator/internal/feedback"
)

// StdioSentinelLoop builds a StdioLoop that reads newline-delimited
// Sentinel replies from r and hands each to sink.Process. Unlike the
// http/sse/websocket transports, stdio has no request/response framing of
// its own: one JSON object per line is the whole protocol, so an agent
// run as a subprocess can reply over its own stdout without an HTTP
// client of its own (§6 stdio://mcp-server).
func StdioSentinelLoop(r io.Reader, sink SentinelReceiver, logger *slog.Logger) func(ctx context.Context) error {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		lines := make(chan string)
		go func() {
			defer close(lines)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case line, ok := <-lines:
				if !ok {
					return scanner.Err()
				}
				if line == "" {
					continue
				}
				reply, err := feedback.ParseReply([]byte(line))
				if err != nil {
					logger.Warn("stdio_sentinel_malformed", "error", err)
					continue
				}
				if err := sink.Process(reply); err != nil {
					logger.Warn("stdio_sentinel_process_failed", "error", err)
				}
			}
		}
	}
}
