package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mnehpets/flowrpc/endpoint"
)

// statusWriter remembers the status code written through it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusWriter) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger logs one line per request at debug level, or at warn level
// when the processor chain fails.
type RequestLogger struct {
	Logger logrus.FieldLogger
}

// Process implements endpoint.Processor.
func (l RequestLogger) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w}
	err := next(sw, r)

	entry := logger.WithFields(logrus.Fields{
		"method":   r.Method,
		"path":     r.URL.Path,
		"status":   sw.status,
		"duration": time.Since(start).String(),
	})
	if err != nil {
		entry.WithError(err).Warn("http: request failed")
	} else {
		entry.Debug("http: request served")
	}
	return err
}

var _ endpoint.Processor = RequestLogger{}
