package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/connwatch/pkg/connectivity"
)

func accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, context.Context, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, nil, err
	}
	return c, r.Context(), nil
}

// StreamConnectivity writes the current state and then every transition as
// JSON text messages. The socket is closed normally when the engine stops
// and with a policy violation when the client fell too far behind.
func StreamConnectivity(m Monitor, w http.ResponseWriter, r *http.Request) {
	c, ctx, err := accept(w, r)
	if err != nil {
		log.WithError(err).Error("Failed to accept client")
		return
	}
	defer c.CloseNow()

	// Clients only listen; reading handles their close frame.
	ctx = c.CloseRead(ctx)

	sub := m.Subscribe()
	defer sub.Close()

	logger := log.WithField("remote", r.RemoteAddr)
	logger.Debug("Connectivity stream opened")

	for {
		ev, err := sub.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, connectivity.ErrSubscriberLagged):
			logger.Warn("Closing lagging connectivity stream")
			c.Close(websocket.StatusPolicyViolation, "subscriber lagged")
			return
		case errors.Is(err, connectivity.ErrEngineStopped):
			c.Close(websocket.StatusNormalClosure, "engine stopped")
			return
		default:
			logger.WithError(err).Debug("Connectivity stream closed")
			return
		}

		if err := wsjson.Write(ctx, c, ev); err != nil {
			logger.WithError(err).Debug("Failed to write connectivity event")
			return
		}
	}
}
