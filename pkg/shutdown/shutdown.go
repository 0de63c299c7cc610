package shutdown

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// CreateGracefulShutdownChannel returns a channel that receives SIGINT and
// SIGTERM.
func CreateGracefulShutdownChannel() chan os.Signal {
	gracefulShutdown := make(chan os.Signal, 1)
	signal.Notify(gracefulShutdown, syscall.SIGINT, syscall.SIGTERM)
	return gracefulShutdown
}

// ListenForShutdown blocks until a shutdown signal arrives, invokes the
// provided shutdown function, then waits for the grace period before
// signalling done. In-flight work gets the grace period to wind down; the
// cursor commit rule guarantees nothing is lost if it does not finish.
func ListenForShutdown(
	signalChan chan os.Signal,
	done chan bool,
	shutdownFunc func(),
	gracePeriod time.Duration,
	logger *zap.Logger,
) {
	go func() {
		sig := <-signalChan
		logger.Sugar().Infow("Received shutdown signal", "signal", sig.String())

		shutdownFunc()

		time.Sleep(gracePeriod)
		done <- true
	}()
	<-done
}
