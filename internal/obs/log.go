package obs

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
	out        = &swapWriter{w: os.Stdout}
)

// swapWriter lets tests redirect the shared logger without rebuilding it.
type swapWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *swapWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Logger returns the shared JSON logger used across the service.
func Logger() *slog.Logger {
	loggerOnce.Do(func() {
		logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: slog.LevelDebug,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if len(groups) == 0 && a.Key == slog.TimeKey {
					a.Key = "ts"
				}
				return a
			},
		}))
	})
	return logger
}

// SetOutput redirects log output and returns a function restoring the previous writer.
func SetOutput(w io.Writer) (restore func()) {
	out.mu.Lock()
	prev := out.w
	out.w = w
	out.mu.Unlock()
	return func() {
		out.mu.Lock()
		out.w = prev
		out.mu.Unlock()
	}
}
