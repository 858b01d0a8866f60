package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleSlotsStream upgrades to a websocket and forwards every committed
// ledger change for the account until either side goes away.
func (s *Server) handleSlotsStream(w http.ResponseWriter, r *http.Request, accountID, correlationID string) {
	if s.deps.Broker == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "change feed not configured", correlationID)
		return
	}
	// Subscribed before the handshake completes so no change committed
	// after the client connects is missed.
	changes, cancel := s.deps.Broker.Subscribe(accountID)
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "account", accountID, "correlation_id", correlationID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	// The client sends nothing; CloseRead handles its close frame.
	ctx := conn.CloseRead(r.Context())
	s.logger.Info("slot stream opened", "account", accountID, "correlation_id", correlationID)

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("slot stream closed", "account", accountID, "correlation_id", correlationID)
			return
		case change, ok := <-changes:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeStreamJSON(ctx, conn, change); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Warn("slot stream write failed", "account", accountID, "correlation_id", correlationID, "error", err)
				}
				return
			}
		case <-ping.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				s.logger.Info("slot stream peer unresponsive", "account", accountID, "correlation_id", correlationID, "error", err)
				return
			}
		}
	}
}

func writeStreamJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
