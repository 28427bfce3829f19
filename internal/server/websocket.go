package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
	"github.com/aristath/protocol-yield-orchestrator/internal/events"
)

// Server-side WebSocket protocol (spec §6.2). Adapted from the teacher's
// market-status client idiom (nhooyr.io/websocket, a mutex-guarded
// connection struct, a context cancelled on disconnect) but inverted to
// websocket.Accept and driven by application-level Ping/Pong frames
// rather than the library's transport-level ones, since the spec's
// protocol is a JSON message type, not a control frame.
const (
	serverPingInterval = 30 * time.Second
	maxMissedPongs     = 2
	writeTimeout       = 10 * time.Second
)

type clientFrame struct {
	Type     string  `json:"type"`
	Protocol *string `json:"protocol"`
}

type metricsUpdateFrame struct {
	Type    string                   `json:"type"`
	Metrics domain.AggregatedMetrics `json:"metrics"`
}

type alertNotificationFrame struct {
	Type  string       `json:"type"`
	Alert domain.Alert `json:"alert"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type pingFrame struct {
	Type string `json:"type"`
}

// wsSession tracks one connected client's subscription filter and
// outstanding-ping count.
type wsSession struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	subMu       sync.Mutex
	subscribed  map[string]bool
	subscribeAll bool

	missedPongs int
}

func newWSSession(conn *websocket.Conn) *wsSession {
	return &wsSession{conn: conn, subscribed: make(map[string]bool), subscribeAll: true}
}

func (s *wsSession) setSubscription(protocol *string, subscribe bool) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if protocol == nil {
		s.subscribeAll = subscribe
		if subscribe {
			s.subscribed = make(map[string]bool)
		}
		return
	}
	if subscribe {
		s.subscribeAll = false
		s.subscribed[*protocol] = true
	} else {
		delete(s.subscribed, *protocol)
	}
}

func (s *wsSession) wants(protocol string) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subscribeAll {
		return true
	}
	return s.subscribed[protocol]
}

func (s *wsSession) writeJSON(ctx context.Context, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(writeCtx, websocket.MessageText, body)
}

// handleWebSocket implements GET /ws. Auth and rate limiting already ran
// as router middleware by the time this handler is reached.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS already governs browser origins; this is not an HTTPS-terminated proxy boundary
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "")

	session := newWSSession(conn)

	unsubscribe := func() {}
	var ch <-chan events.Event
	if s.cfg.Bus != nil {
		ch, unsubscribe = s.cfg.Bus.Subscribe()
		defer unsubscribe()
	}

	go s.wsReadLoop(ctx, cancel, session)
	go s.wsPingLoop(ctx, cancel, session)
	s.wsPushLoop(ctx, session, ch)
}

// wsReadLoop handles Subscribe/Unsubscribe/Ping frames from the client.
func (s *Server) wsReadLoop(ctx context.Context, cancel context.CancelFunc, session *wsSession) {
	defer cancel()
	for {
		_, data, err := session.conn.Read(ctx)
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "Subscribe":
			session.setSubscription(frame.Protocol, true)
		case "Unsubscribe":
			session.setSubscription(frame.Protocol, false)
		case "Ping":
			session.subMu.Lock()
			session.missedPongs = 0
			session.subMu.Unlock()
			_ = session.writeJSON(ctx, pongFrame{Type: "Pong"})
		case "Pong":
			session.subMu.Lock()
			session.missedPongs = 0
			session.subMu.Unlock()
		}
	}
}

// wsPingLoop sends a server-initiated Ping every 30s and closes the
// session after two go unanswered, with neither a Pong nor a client Ping
// received in between.
func (s *Server) wsPingLoop(ctx context.Context, cancel context.CancelFunc, session *wsSession) {
	ticker := time.NewTicker(serverPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			session.subMu.Lock()
			session.missedPongs++
			missed := session.missedPongs
			session.subMu.Unlock()
			if missed > maxMissedPongs {
				cancel()
				return
			}
			if err := session.writeJSON(ctx, pingFrame{Type: "Ping"}); err != nil {
				cancel()
				return
			}
		}
	}
}

// wsPushLoop pushes MetricsUpdate frames at the configured cadence and
// AlertNotification frames as new alerts are published on the bus.
func (s *Server) wsPushLoop(ctx context.Context, session *wsSession, busEvents <-chan events.Event) {
	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			latest, ok := s.cfg.Coordinator.Latest()
			if !ok {
				continue
			}
			filtered := filterMetricsBySubscription(latest, session)
			if err := session.writeJSON(ctx, metricsUpdateFrame{Type: "MetricsUpdate", Metrics: filtered}); err != nil {
				return
			}
		case evt, open := <-busEvents:
			if !open {
				busEvents = nil
				continue
			}
			if evt.Type != events.AlertRaised {
				continue
			}
			alert, ok := evt.Data.(domain.Alert)
			if !ok {
				continue
			}
			if alert.Protocol != "" && !session.wants(alert.Protocol) {
				continue
			}
			if err := session.writeJSON(ctx, alertNotificationFrame{Type: "AlertNotification", Alert: alert}); err != nil {
				return
			}
		}
	}
}

// filterMetricsBySubscription narrows the per-protocol maps in snap to
// only the protocols the session subscribed to; the aggregate fields
// (totals, utilization) are left intact since they describe the whole
// pool, not any one protocol.
func filterMetricsBySubscription(snap domain.AggregatedMetrics, session *wsSession) domain.AggregatedMetrics {
	if session.subscribeAllSnapshot() {
		return snap
	}
	out := snap
	out.EarningsByProtocol = map[string]float64{}
	out.AllocationByProtocol = map[string]float64{}
	out.ConnectedByProtocol = map[string]bool{}
	for protocol := range snap.ConnectedByProtocol {
		if !session.wants(protocol) {
			continue
		}
		out.EarningsByProtocol[protocol] = snap.EarningsByProtocol[protocol]
		out.AllocationByProtocol[protocol] = snap.AllocationByProtocol[protocol]
		out.ConnectedByProtocol[protocol] = snap.ConnectedByProtocol[protocol]
	}
	return out
}

func (s *wsSession) subscribeAllSnapshot() bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.subscribeAll
}
