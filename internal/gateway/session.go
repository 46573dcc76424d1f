package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/and161185/chifferchat/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// session is one authenticated connection. The outbound channel is never closed;
// the writer stops on ctx.
type session struct {
	id        string
	principal model.Principal
	conn      *websocket.Conn
	log       *zap.Logger

	out          chan []byte
	blockTimeout time.Duration
	limiter      *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	reason atomic.Pointer[closeCause]
}

type closeCause struct{ err error }

func (s *session) ID() string    { return s.id }
func (s *session) UserID() int64 { return s.principal.UserID }

func (s *session) Principal() model.Principal { return s.principal }

// Enqueue drops best-effort frames on a full queue and blocks up to blockTimeout for
// critical ones. A critical frame that misses the deadline closes the session.
func (s *session) Enqueue(kind protocol.Kind, frame []byte) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	select {
	case s.out <- frame:
		return nil
	default:
	}
	if !protocol.Critical(kind) {
		return errs.ErrBackpressure
	}

	t := time.NewTimer(s.blockTimeout)
	defer t.Stop()
	select {
	case s.out <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-t.C:
		s.fail(errs.ErrBackpressure)
		return errs.ErrBackpressure
	}
}

// fail records the first close reason and stops the session.
func (s *session) fail(reason error) {
	s.reason.CompareAndSwap(nil, &closeCause{err: reason})
	s.cancel()
}

func (s *session) closeReason() error {
	if c := s.reason.Load(); c != nil {
		return c.err
	}
	return nil
}
