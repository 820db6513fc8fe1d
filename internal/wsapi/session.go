package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"pkt.systems/pslog"
	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/core"
	"pkt.systems/syncd/internal/correlation"
)

var errOutboundFull = errors.New("outbound queue full, event dropped")
var errSessionClosed = errors.New("session closed")

// session is one upgraded sync connection. The HTTP handler goroutine
// becomes the reader; a second goroutine owns all writes to the conn.
type session struct {
	id      string
	handler *Handler
	conn    *websocket.Conn
	logger  pslog.Logger
	core    *core.Session

	outbound chan *api.ServerFrame
	closed   chan struct{}
	once     sync.Once

	writerDone chan struct{}
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) error {
	creator, defaultACL := h.identity(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return nil
	}

	id := xid.New().String()
	if creator == "" {
		creator = id
	}
	logger := pslog.LoggerFromContext(r.Context())
	if logger == nil {
		logger = h.logger
	}
	logger = logger.With("session", id, "creator", creator)

	s := &session{
		id:         id,
		handler:    h,
		conn:       conn,
		logger:     logger,
		outbound:   make(chan *api.ServerFrame, h.sendBuffer),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.core = core.NewSession(id, creator, defaultACL, s.deliver)

	h.core.RegisterSession(s.core)
	h.trackSession(s)
	defer s.teardown()

	logger.Info("session.open", "remote_addr", r.RemoteAddr)
	go s.writePump()
	s.readPump(r.Context())
	return nil
}

// deliver is the engine-facing delivery callback. It never blocks: a
// session that cannot keep up loses the event and the dispatcher logs it.
func (s *session) deliver(node *api.Node) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}
	frame := &api.ServerFrame{
		Kind: api.KindData,
		Code: api.CodeOK,
		CTS:  node.CTS,
		VTS:  node.VTS,
		Node: node,
	}
	select {
	case s.outbound <- frame:
		return nil
	default:
		return errOutboundFull
	}
}

// respond queues a response frame, waiting as long as the session lives.
// Responses are not droppable; a slow reader stalls only its own requests.
func (s *session) respond(frame *api.ServerFrame) {
	select {
	case s.outbound <- frame:
	case <-s.closed:
	}
}

func (s *session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(s.handler.maxPayloadBytes)
	readTimeout := 2 * s.handler.pingInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("session.read_failed", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var frame api.ClientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.logger.Warn("session.frame_malformed", "error", err)
			s.shutdown(websocket.CloseInvalidFramePayloadData, "malformed frame")
			return
		}
		s.handleFrame(ctx, frame)
	}
}

func (s *session) writePump() {
	defer close(s.writerDone)
	ticker := time.NewTicker(s.handler.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.handler.writeTimeout))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Debug("session.write_failed", "error", err)
				s.shutdown(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.handler.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-s.closed:
			return
		}
	}
}

// shutdown marks the session closed and pushes a close frame so the peer
// learns why. Safe to call from any goroutine, more than once.
func (s *session) shutdown(closeCode int, reason string) {
	s.once.Do(func() {
		close(s.closed)
		msg := websocket.FormatCloseMessage(closeCode, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.handler.writeTimeout))
		_ = s.conn.Close()
	})
}

// teardown runs when the reader returns: release engine state, stop the
// writer, drop the connection.
func (s *session) teardown() {
	s.shutdown(websocket.CloseNormalClosure, "")
	<-s.writerDone
	s.handler.forgetSession(s)
	s.handler.core.ReleaseSession(s.core)
	s.logger.Info("session.close")
}

func (s *session) handleFrame(ctx context.Context, frame api.ClientFrame) {
	if corr := frame.CorrelationID; corr != "" {
		if normalized, ok := correlation.Normalize(corr); ok {
			ctx = correlation.Set(ctx, normalized)
		}
	}
	logger := s.logger.With("op", frame.Op, "frame_id", frame.ID)
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("correlation_id", corr)
	}
	ctx = pslog.ContextWithLogger(ctx, logger)

	resp := &api.ServerFrame{
		Kind:          api.KindResponse,
		ID:            frame.ID,
		CorrelationID: correlation.ID(ctx),
	}

	switch frame.Op {
	case api.OpPublish:
		resp.CTS = frame.CTS
		res, err := s.handler.core.Publish(ctx, core.PublishCommand{
			Session:    s.core,
			Target:     frame.Path,
			Data:       frame.Data,
			Delete:     frame.Delete,
			ACL:        frame.ACL,
			CTS:        frame.CTS,
			TTLSeconds: frame.TTLSeconds,
		})
		if err != nil {
			s.applyFailure(resp, err)
			break
		}
		resp.CTS = res.CTS
		resp.VTS = res.VTS

	case api.OpSubscribe:
		res, err := s.handler.core.Subscribe(ctx, core.SubscribeCommand{
			Session: s.core,
			Pattern: frame.Pattern,
		})
		if err != nil {
			s.applyFailure(resp, err)
			break
		}
		resp.VTS = res.VTS

	case api.OpUnsubscribe:
		_, err := s.handler.core.Unsubscribe(ctx, core.UnsubscribeCommand{
			Session: s.core,
			Pattern: frame.Pattern,
		})
		if err != nil {
			s.applyFailure(resp, err)
		}

	case api.OpGet:
		res, err := s.handler.core.Get(ctx, core.GetCommand{Target: frame.Path})
		if err != nil {
			s.applyFailure(resp, err)
			break
		}
		resp.Node = core.WireNode(res.Node)

	case api.OpList:
		res, err := s.handler.core.List(ctx, core.ListCommand{Pattern: frame.Pattern})
		if err != nil {
			s.applyFailure(resp, err)
			break
		}
		nodes := make([]api.Node, 0, len(res.Nodes))
		for _, node := range res.Nodes {
			nodes = append(nodes, *core.WireNode(node))
		}
		resp.Nodes = nodes

	default:
		resp.Code = api.CodeInternalError
		resp.Error = "unsupported op " + strconv.Quote(frame.Op)
	}

	s.respond(resp)
}

func (s *session) applyFailure(resp *api.ServerFrame, err error) {
	var failure core.Failure
	if errors.As(err, &failure) {
		resp.Code = failure.Code
		resp.Error = failure.Detail
		return
	}
	resp.Code = api.CodeInternalError
	resp.Error = err.Error()
}
