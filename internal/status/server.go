package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/signalnine/minidani/internal/logging"
	"github.com/signalnine/minidani/internal/session"
)

// Server publishes session snapshots. GET /status returns the current
// snapshot; /ws streams one snapshot per interval until the client leaves.
type Server struct {
	Session  *session.Session
	Interval time.Duration
	Log      *logging.Logger
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Session.Snapshot()); err != nil {
		s.Log.Debugf("writing status: %v", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.Log.Debugf("websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	// The feed is one-way; CloseRead handles control frames and reports
	// when the client goes away.
	ctx := conn.CloseRead(r.Context())
	interval := s.Interval
	if interval <= 0 {
		interval = TTYInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		data, err := json.Marshal(s.Session.Snapshot())
		if err != nil {
			conn.Close(websocket.StatusInternalError, err.Error())
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

// ListenAndServe serves the feed on addr until ctx is done. The bound
// address is sent on ready, which may be nil.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready chan<- string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	if ready != nil {
		ready <- ln.Addr().String()
	}
	s.Log.Infof("Status feed on http://%s/status (websocket /ws)", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
