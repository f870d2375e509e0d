package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type streamHello struct {
	Type string `json:"type"`
	Team string `json:"team"`
}

// handleStream upgrades to a WebSocket and forwards the caller's live team
// feed. Events missed while disconnected are recovered through the replay
// poll, not here.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request, session Session) {
	sub, err := s.service.Subscribe(session, r.URL.Query().Get("team"))
	if err != nil {
		s.respond(w, http.StatusOK, nil, err)
		return
	}
	defer sub.Close()

	opts := &websocket.AcceptOptions{}
	if s.corsOrigin != "" && s.corsOrigin != "*" {
		opts.OriginPatterns = strings.Split(s.corsOrigin, ",")
	} else {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.WithError(err).Debug("websocket accept failed")
		return
	}
	streamClients.Inc()
	defer streamClients.Dec()

	ctx := r.Context()
	log := s.logger.WithFields(logrus.Fields{"team": sub.Team, "user": session.UserID})
	log.Debug("stream opened")

	_ = wsjson.Write(ctx, conn, streamHello{Type: "ready", Team: string(sub.Team)})

	// Clients never send frames; reading only detects the close.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				log.WithError(err).Debug("stream write failed")
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
