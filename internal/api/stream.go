package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/model"
	"github.com/lvonguyen/threatmesh/internal/session"
)

// Stream message types.
const (
	MsgWelcome            = "welcome"
	MsgThreatEvent        = "threat_event"
	MsgThreatReport       = "threat_report"
	MsgThreatProcessed    = "threat_processed"
	MsgHeartbeat          = "heartbeat"
	MsgHeartbeatResponse  = "heartbeat_response"
	MsgRequestStatistics  = "request_statistics"
	MsgStatisticsResponse = "statistics_response"
	MsgError              = "error"
)

// StreamMessage is the envelope of every websocket frame in both
// directions.
type StreamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Welcome is the first message of a stream.
type Welcome struct {
	SessionID                string    `json:"session_id"`
	DeviceID                 string    `json:"device_id"`
	Cursor                   uint64    `json:"cursor"`
	HeartbeatIntervalSeconds int       `json:"heartbeat_interval_seconds"`
	ServerTime               time.Time `json:"server_time"`
}

// ThreatProcessed answers a threat_report sent over the stream.
type ThreatProcessed struct {
	Fingerprint string       `json:"fingerprint"`
	Sequence    uint64       `json:"sequence"`
	IsNew       bool         `json:"is_new"`
	Score       float64      `json:"score"`
	Status      model.Status `json:"status"`
}

// streamConn serializes writes to one websocket.
type streamConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *streamConn) write(ctx context.Context, msgType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(StreamMessage{Type: msgType, Data: data})
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// wsSink delivers threat events over a stream. A successful write is the
// device's acknowledgement.
type wsSink struct {
	conn *streamConn
}

func (s *wsSink) Send(ctx context.Context, ev model.ThreatEvent) error {
	return s.conn.write(ctx, MsgThreatEvent, ev)
}

// handleStream upgrades to a websocket and attaches it to the session's
// outbox. The optional "cursor" query parameter resumes delivery after that
// sequence number; without it delivery continues from the session cursor.
// Closing the socket detaches delivery but keeps the session, which ends by
// Disconnect or heartbeat timeout.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.sessions.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var from *uint64
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			badRequest(w, "cursor", "must be a sequence number")
			return
		}
		from = &n
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered.
		s.logger.Debug("Websocket upgrade failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(s.config.MaxReportBytes + 1024)
	// The server read timeout carries over from the upgrade request; the
	// stream is instead bounded by the heartbeat timeout between frames.
	idle := s.sessions.Config().HeartbeatTimeout

	conn := &streamConn{conn: ws, writeTimeout: s.config.StreamWriteTimeout}
	ctx := context.Background()

	if info, err = s.sessions.Activate(id); err != nil {
		s.streamError(ctx, conn, err)
		return
	}
	cursor := info.Cursor
	if from != nil {
		cursor = *from
	}
	welcome := Welcome{
		SessionID:                id,
		DeviceID:                 info.DeviceID,
		Cursor:                   cursor,
		HeartbeatIntervalSeconds: int(s.sessions.Config().HeartbeatInterval / time.Second),
		ServerTime:               time.Now().UTC(),
	}
	if err := conn.write(ctx, MsgWelcome, welcome); err != nil {
		return
	}

	sink := &wsSink{conn: conn}
	if err := s.fanout.Attach(id, sink, from); err != nil {
		s.streamError(ctx, conn, err)
		return
	}
	defer s.fanout.DetachSink(id, sink)

	s.logger.Info("Stream attached",
		zap.String("session_id", id),
		zap.String("device_id", info.DeviceID),
		zap.Uint64("cursor", cursor))

	for {
		_ = ws.SetReadDeadline(time.Now().Add(idle))
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.logger.Info("Stream closed", zap.String("session_id", id), zap.Error(err))
			return
		}
		if !s.handleStreamMessage(r, conn, info, data) {
			return
		}
	}
}

// handleStreamMessage answers one inbound frame. It returns false when the
// stream should close.
func (s *Server) handleStreamMessage(r *http.Request, conn *streamConn, info session.Info, data []byte) bool {
	ctx := r.Context()

	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return conn.write(ctx, MsgError, APIError{Error: "bad_request", Message: "invalid JSON frame"}) == nil
	}

	switch msg.Type {
	case MsgHeartbeat:
		if _, err := s.sessions.Heartbeat(info.SessionID); err != nil {
			s.streamError(ctx, conn, err)
			return false
		}
		return conn.write(ctx, MsgHeartbeatResponse, map[string]any{
			"server_time":     time.Now().UTC(),
			"active_sessions": s.sessions.Len(),
		}) == nil

	case MsgThreatReport:
		if s.limiter != nil {
			lim, err := s.limiter.Check(ctx, string(info.Platform), info.DeviceID)
			if err == nil && !lim.Allowed {
				return conn.write(ctx, MsgError, APIError{Error: "rate_limit_exceeded", Message: lim.Reason, Retryable: true}) == nil
			}
		}
		res, err := s.submit(r, info, msg.Data)
		if err != nil {
			_, body := classify(err)
			return conn.write(ctx, MsgError, body) == nil
		}
		return conn.write(ctx, MsgThreatProcessed, ThreatProcessed{
			Fingerprint: res.Fingerprint,
			Sequence:    res.Sequence,
			IsNew:       res.IsNew,
			Score:       res.Event.Score,
			Status:      res.Event.Status,
		}) == nil

	case MsgRequestStatistics:
		return conn.write(ctx, MsgStatisticsResponse, s.engine.Stats(ctx, s.sessions, s.fanout)) == nil

	default:
		return conn.write(ctx, MsgError, APIError{Error: "bad_request", Message: "unknown message type " + strconv.Quote(msg.Type)}) == nil
	}
}

// streamError sends err as the last message of a stream.
func (s *Server) streamError(ctx context.Context, conn *streamConn, err error) {
	_, body := classify(err)
	_ = conn.write(ctx, MsgError, body)
}
