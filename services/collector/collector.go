// Package collector is the receiving end of the telemetry link: it accepts
// readings on POST /sensor and serves the firmware manifest and image the
// nodes update from.
package collector

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zeebo/blake3"

	"sensornode-go/services/update"
	"sensornode-go/types"
	"sensornode-go/x/logging"
)

const maxBody = 64 << 10

type Options struct {
	Addr            string
	FirmwarePath    string // optional; .zst files are served zstd-encoded
	FirmwareVersion types.FirmwareVersion
	History         int // readings kept for GET /readings
	CertFile        string
	KeyFile         string
	ShutdownTimeout time.Duration
}

// Received is one accepted reading.
type Received struct {
	types.SensorReading
	Remote     string    `json:"remote"`
	ReceivedAt time.Time `json:"received_at"`
}

type Server struct {
	opts     Options
	logger   *slog.Logger
	manifest *update.Manifest
	now      func() time.Time

	reg      *prometheus.Registry
	received prometheus.Counter
	rejected prometheus.Counter
	latest   *prometheus.GaugeVec

	mu      sync.Mutex
	history []Received
	ready   chan struct{}
	addr    net.Addr
}

func New(opts Options, logger *slog.Logger) (*Server, error) {
	if opts.History <= 0 {
		opts.History = 100
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		opts:   opts,
		logger: logging.Component(logger, "collector"),
		now:    time.Now,
		reg:    prometheus.NewRegistry(),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_readings_received_total",
			Help: "Readings accepted on POST /sensor.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_readings_unparsed_total",
			Help: "POST /sensor bodies that were not a reading.",
		}),
		latest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collector_latest_reading",
			Help: "Most recent value per quantity.",
		}, []string{"quantity"}),
		ready: make(chan struct{}),
	}
	s.reg.MustRegister(s.received, s.rejected, s.latest)

	if opts.FirmwarePath != "" {
		if opts.FirmwareVersion == "" {
			return nil, errors.New("collector: firmware version is required with a firmware image")
		}
		digest, err := ImageDigest(opts.FirmwarePath)
		if err != nil {
			return nil, err
		}
		s.manifest = &update.Manifest{Version: opts.FirmwareVersion, Blake3: digest}
		s.logger.Info("serving firmware", "version", opts.FirmwareVersion, "blake3", digest, "path", opts.FirmwarePath)
	}
	return s, nil
}

// ImageDigest is the hex BLAKE3 of the image at path, after zstd
// decompression for .zst files, matching what the installer verifies.
func ImageDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("collector: %w", err)
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return "", fmt.Errorf("collector: zstd: %w", err)
		}
		defer dec.Close()
		src = dec
	}
	h := blake3.New()
	if _, err := io.Copy(h, src); err != nil {
		return "", fmt.Errorf("collector: hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sensor", s.handleSensor)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /firmware", s.handleFirmware)
	mux.HandleFunc("GET /readings", s.handleReadings)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// handleSensor acknowledges every body with 200 OK; bodies that parse as a
// reading are also kept and exported.
func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	s.logger.Info("received sensor data", "remote", r.RemoteAddr, "data", string(body))

	var reading types.SensorReading
	if err := json.Unmarshal(body, &reading); err != nil {
		s.rejected.Inc()
		s.logger.Debug("body is not a reading", "error", err)
	} else {
		s.record(Received{SensorReading: reading, Remote: r.RemoteAddr, ReceivedAt: s.now().UTC()})
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

func (s *Server) record(rec Received) {
	s.received.Inc()
	s.latest.WithLabelValues("temperature").Set(rec.Temperature)
	s.latest.WithLabelValues("humidity").Set(rec.Humidity)
	s.latest.WithLabelValues("pressure").Set(rec.Pressure)
	s.latest.WithLabelValues("gas_resistance").Set(float64(rec.GasResistance))

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == s.opts.History {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, rec)
}

// Readings returns up to n of the most recent readings, oldest first.
func (s *Server) Readings(n int) []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]Received, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	n := 0
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 0 {
			http.Error(w, "n must be a non-negative integer", http.StatusBadRequest)
			return
		}
		n = v
	}
	writeJSON(w, s.Readings(n))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if s.manifest == nil {
		http.Error(w, "no firmware published", http.StatusNotFound)
		return
	}
	writeJSON(w, s.manifest)
}

func (s *Server) handleFirmware(w http.ResponseWriter, r *http.Request) {
	if s.manifest == nil {
		http.Error(w, "no firmware published", http.StatusNotFound)
		return
	}
	f, err := os.Open(s.opts.FirmwarePath)
	if err != nil {
		s.logger.Error("firmware unavailable", "error", err)
		http.Error(w, "firmware unavailable", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		http.Error(w, "firmware unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if strings.HasSuffix(s.opts.FirmwarePath, ".zst") {
		w.Header().Set("Content-Encoding", "zstd")
	}
	s.logger.Info("serving firmware", "remote", r.RemoteAddr, "version", s.manifest.Version)
	http.ServeContent(w, r, "", st.ModTime(), f)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Ready is closed once Serve has bound its listener.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound address; valid after Ready.
func (s *Server) Addr() net.Addr { return s.addr }

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Addr, err)
	}
	s.addr = ln.Addr()
	close(s.ready)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // firmware downloads
		IdleTimeout:       60 * time.Second,
	}
	tlsOn := s.opts.CertFile != "" && s.opts.KeyFile != ""
	s.logger.Info("collector listening", "address", s.addr.String(), "tls", tlsOn)

	done := make(chan error, 1)
	go func() {
		var err error
		if tlsOn {
			err = srv.ServeTLS(ln, s.opts.CertFile, s.opts.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- err
		}
		close(done)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("collector shutting down")
	case err := <-done:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("collector shutdown: %w", err)
	}
	return nil
}
