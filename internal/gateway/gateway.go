// Package gateway terminates WebSocket sessions speaking the control protocol.
//
// A connection starts in CONNECTING and must send AUTH within the auth timeout. Once
// authenticated it is attached to the delivery coordinator and serves inbound frames
// until it disconnects, idles out or falls behind on critical frames.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/and161185/chifferchat/internal/delivery"
	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/metrics"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/and161185/chifferchat/internal/protocol"
	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TokenValidator resolves a bearer credential to a principal.
type TokenValidator interface {
	Validate(bearer string) (model.Principal, error)
}

// LastSeen records user activity.
type LastSeen interface {
	TouchLastSeen(ctx context.Context, userID int64) error
}

// Options holds connection limits and timers.
type Options struct {
	AuthTimeout   time.Duration
	IdleTimeout   time.Duration
	PingInterval  time.Duration
	WriteTimeout  time.Duration
	MaxFrameBytes int64
	QueueDepth    int
	BlockTimeout  time.Duration
	FrameRate     float64
	FrameBurst    int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		AuthTimeout:   10 * time.Second,
		IdleTimeout:   90 * time.Second,
		PingInterval:  30 * time.Second,
		WriteTimeout:  10 * time.Second,
		MaxFrameBytes: 1 << 20,
		QueueDepth:    256,
		BlockTimeout:  500 * time.Millisecond,
		FrameRate:     50,
		FrameBurst:    100,
	}
}

const closeGrace = time.Second

// Gateway is an http.Handler upgrading requests to sessions.
type Gateway struct {
	tokens  TokenValidator
	coord   *delivery.Coordinator
	seen    LastSeen
	log     *zap.Logger
	metrics *metrics.Core
	opts    Options

	upgrader websocket.Upgrader
	now      func() time.Time

	active atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a gateway. Close ends every live session.
func New(tokens TokenValidator, coord *delivery.Coordinator, seen LastSeen, log *zap.Logger, m *metrics.Core, opts Options) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		tokens:  tokens,
		coord:   coord,
		seen:    seen,
		log:     log,
		metrics: m,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are native apps and the CLI; browsers are not a supported origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	g.wg.Add(1)
	defer g.wg.Done()
	g.serve(conn)
}

// ActiveSessions counts authenticated sessions that have finished attaching.
func (g *Gateway) ActiveSessions() int64 { return g.active.Load() }

// Close stops accepting sessions and waits for live ones to wind down.
func (g *Gateway) Close() {
	g.cancel()
	g.wg.Wait()
}

func (g *Gateway) serve(conn *websocket.Conn) {
	conn.SetReadLimit(g.opts.MaxFrameBytes)

	p, err := g.authenticate(conn)
	if err != nil {
		g.reject(conn, err)
		return
	}

	id, err := uuid.NewV4()
	if err != nil {
		g.reject(conn, err)
		return
	}
	ctx, cancel := context.WithCancel(g.ctx)
	s := &session{
		id:           id.String(),
		principal:    p,
		conn:         conn,
		log:          g.log.With(zap.String("session_id", id.String()), zap.Int64("user_id", p.UserID)),
		out:          make(chan []byte, g.opts.QueueDepth),
		blockTimeout: g.opts.BlockTimeout,
		limiter:      rate.NewLimiter(rate.Limit(g.opts.FrameRate), g.opts.FrameBurst),
		ctx:          ctx,
		cancel:       cancel,
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writer(s)
	}()

	if _, err := g.coord.Attach(ctx, s); err != nil {
		s.log.Warn("attach failed", zap.Error(err))
		g.sendError(s, err)
		s.fail(err)
		<-writerDone
		return
	}
	g.active.Add(1)
	g.metrics.IncSession()
	s.log.Info("session authenticated")
	g.touch(ctx, s)

	g.readLoop(s)

	s.cancel()
	<-writerDone
	g.detach(s)
}

func (g *Gateway) authenticate(conn *websocket.Conn) (model.Principal, error) {
	if err := conn.SetReadDeadline(g.now().Add(g.opts.AuthTimeout)); err != nil {
		return model.Principal{}, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return model.Principal{}, errs.ErrUnauthorized
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return model.Principal{}, err
	}
	auth, ok := f.(protocol.Auth)
	if !ok {
		return model.Principal{}, errs.Validationf("first frame must be %s, got %s", protocol.KindAuth, f.Kind())
	}
	if err := protocol.Validate(auth); err != nil {
		return model.Principal{}, err
	}
	return g.tokens.Validate(auth.Bearer)
}

// reject answers a failed CONNECTING phase with an ERROR frame and closes.
func (g *Gateway) reject(conn *websocket.Conn, err error) {
	defer conn.Close()
	code := errs.Code(err)
	if code != errs.CodeUnauthorized {
		// Anything but a valid AUTH frame before authentication is an auth failure.
		err = errs.ErrUnauthorized
		code = errs.CodeUnauthorized
	}
	g.metrics.RecordError(code)
	deadline := g.now().Add(g.opts.WriteTimeout)
	if data, encErr := protocol.Encode(protocol.Error{Code: code, Message: err.Error()}); encErr == nil {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
}

func (g *Gateway) readLoop(s *session) {
	extend := func() error { return s.conn.SetReadDeadline(g.now().Add(g.opts.IdleTimeout)) }
	if err := extend(); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && s.ctx.Err() == nil {
				s.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if err := extend(); err != nil {
			return
		}
		if !s.limiter.Allow() {
			g.sendError(s, errs.ErrRateLimited)
			continue
		}
		f, err := protocol.Decode(data)
		if err != nil {
			g.metrics.RecordFrame("")
			g.sendError(s, err)
			continue
		}
		g.metrics.RecordFrame(string(f.Kind()))
		if err := g.handle(s, f); err != nil {
			g.sendError(s, err)
		}
		if s.ctx.Err() != nil {
			return
		}
	}
}

func (g *Gateway) handle(s *session, f protocol.Frame) error {
	if err := protocol.Validate(f); err != nil {
		return err
	}
	ctx := s.ctx
	switch v := f.(type) {
	case protocol.SendDirect:
		_, err := g.coord.SubmitDirect(ctx, s.principal, v)
		return err
	case protocol.SendGroup:
		_, err := g.coord.SubmitGroup(ctx, s.principal, v)
		return err
	case protocol.Ack:
		return g.coord.Acknowledge(ctx, s.principal.UserID, v.MessageID)
	case protocol.TypingDirect:
		return g.coord.TypingDirect(ctx, s.principal, v)
	case protocol.TypingGroup:
		return g.coord.TypingGroup(ctx, s.principal, s.id, v)
	case protocol.Auth:
		return errs.Validationf("session already authenticated")
	default:
		return errs.Validationf("frame %s is not accepted from clients", f.Kind())
	}
}

func (g *Gateway) sendError(s *session, err error) {
	code := errs.Code(err)
	msg := err.Error()
	if code == errs.CodeInternal {
		s.log.Error("frame failed", zap.Error(err))
		msg = "internal error"
	}
	g.metrics.RecordError(code)
	data, encErr := protocol.Encode(protocol.Error{Code: code, Message: msg})
	if encErr != nil {
		return
	}
	_ = s.Enqueue(protocol.KindError, data)
}

// writer owns every write on the connection. On shutdown it flushes what is queued,
// sends a close frame and closes the socket, which unblocks the reader.
func (g *Gateway) writer(s *session) {
	ticker := time.NewTicker(g.opts.PingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	write := func(data []byte) error {
		if err := s.conn.SetWriteDeadline(g.now().Add(g.opts.WriteTimeout)); err != nil {
			return err
		}
		return s.conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		select {
		case <-s.ctx.Done():
			g.flush(s, write)
			return
		case data := <-s.out:
			if err := write(data); err != nil {
				s.log.Debug("write failed", zap.Error(err))
				s.fail(err)
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, g.now().Add(g.opts.WriteTimeout)); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (g *Gateway) flush(s *session, write func([]byte) error) {
	reason := s.closeReason()
	code, text := websocket.CloseNormalClosure, ""
	switch {
	case errors.Is(reason, errs.ErrBackpressure):
		g.metrics.RecordBackpressure()
		s.log.Warn("closing slow session")
		code, text = websocket.CloseTryAgainLater, errs.CodeBackpressure
	case reason != nil:
		code, text = websocket.CloseInternalServerErr, errs.Code(reason)
	}
	if reason == nil || !errors.Is(reason, errs.ErrBackpressure) {
		for pending := len(s.out); pending > 0; pending-- {
			if err := write(<-s.out); err != nil {
				return
			}
		}
	}
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), g.now().Add(closeGrace))
}

func (g *Gateway) detach(s *session) {
	defer g.active.Add(-1)
	g.metrics.DecSession()
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.WriteTimeout)
	defer cancel()
	g.coord.Detach(ctx, s)
	g.touch(ctx, s)
	s.log.Info("session closed")
}

func (g *Gateway) touch(ctx context.Context, s *session) {
	if g.seen == nil {
		return
	}
	if err := g.seen.TouchLastSeen(ctx, s.principal.UserID); err != nil {
		s.log.Warn("touch last seen", zap.Error(err))
	}
}
