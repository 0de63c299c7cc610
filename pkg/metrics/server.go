package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bridgekit/relayer/pkg/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CursorReporter is implemented by each worker so the admin surface can
// report the last committed height per worker key.
type CursorReporter interface {
	WorkerKey() (config.ChainId, string)
	LastCommittedHeight() (uint64, bool)
}

type cursorStatus struct {
	ChainId             config.ChainId `json:"chainId"`
	ContractAddress     string         `json:"contractAddress"`
	LastCommittedHeight uint64         `json:"lastCommittedHeight"`
	Initialized         bool           `json:"initialized"`
}

// AdminServer serves /metrics, /healthz and /cursor on the admin port.
type AdminServer struct {
	server    *http.Server
	reporters []CursorReporter
	logger    *zap.Logger
}

func NewAdminServer(port int, m *Metrics, reporters []CursorReporter, logger *zap.Logger) *AdminServer {
	s := &AdminServer{
		reporters: reporters,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/cursor", s.handleCursor)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *AdminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *AdminServer) handleCursor(w http.ResponseWriter, r *http.Request) {
	statuses := make([]cursorStatus, 0, len(s.reporters))
	for _, reporter := range s.reporters {
		chainId, contract := reporter.WorkerKey()
		height, ok := reporter.LastCommittedHeight()
		statuses = append(statuses, cursorStatus{
			ChainId:             chainId,
			ContractAddress:     contract,
			LastCommittedHeight: height,
			Initialized:         ok,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		s.logger.Sugar().Errorw("Failed to encode cursor status", "error", err)
	}
}

// Start serves until the context is cancelled.
func (s *AdminServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Sugar().Infow("Admin server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
