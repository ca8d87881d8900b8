// Package session drives one client connection through authentication,
// mode selection and the wait for a match.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourname/matchmaker-engine/internal/auth"
	"github.com/yourname/matchmaker-engine/internal/match"
	"github.com/yourname/matchmaker-engine/internal/metrics"
	"github.com/yourname/matchmaker-engine/internal/pool"
	"github.com/yourname/matchmaker-engine/pkg/types"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "matchmaker",
	"component": "session",
})

var (
	ErrProtocol        = errors.New("protocol error")
	ErrAuth            = errors.New("authentication provider error")
	ErrUnauthenticated = errors.New("credential rejected")
)

// Connection is the client transport. Recv blocks until a message arrives,
// the connection fails or ctx is done; Close must unblock a pending Recv.
type Connection interface {
	Recv(ctx context.Context) (types.Inbound, error)
	Send(ctx context.Context, msg types.Outbound) error
	Close() error
}

// Engine is the part of the matchmaker a session needs.
type Engine interface {
	JoinPool(ctx context.Context, id types.PlayerID, rating int) (*match.Membership, error)
	TryResolve(ctx context.Context, ms *match.Membership) (match.Resolution, types.Match, error)
	Release(ms *match.Membership) bool
}

type inbound struct {
	msg types.Inbound
	err error
}

type eventKind int

const (
	evMatched eventKind = iota
	evTick
	evInbound
	evShutdown
)

type event struct {
	kind eventKind
	in   inbound
}

// what the resolving loop does next
type action int

const (
	actionDone action = iota
	actionReselect
	actionRejoin
)

type Handler struct {
	id       string
	conn     Connection
	auth     auth.Provider
	ratings  auth.RatingSource
	engine   Engine
	cfg      Config
	shutdown <-chan struct{}
	log      *logrus.Entry

	state      atomic.Int32
	player     types.PlayerID
	rating     int
	membership *match.Membership
	inbound    chan inbound
}

// NewHandler builds a handler for one connection. shutdown is the
// process-wide signal; closing it cancels every waiting session.
func NewHandler(conn Connection, provider auth.Provider, ratings auth.RatingSource, engine Engine, cfg Config, shutdown <-chan struct{}) *Handler {
	id := uuid.NewString()
	return &Handler{
		id:       id,
		conn:     conn,
		auth:     provider,
		ratings:  ratings,
		engine:   engine,
		cfg:      cfg,
		shutdown: shutdown,
		log:      logger.WithField("session", id),
		inbound:  make(chan inbound),
	}
}

func (h *Handler) ID() string { return h.id }

func (h *Handler) State() State { return State(h.state.Load()) }

func (h *Handler) setState(s State) {
	prev := State(h.state.Swap(int32(s)))
	h.log.WithFields(logrus.Fields{"from": prev, "to": s}).Trace("session transition")
}

// Run drives the session to a terminal state. The pool membership, if any,
// is released and the connection closed before Run returns.
func (h *Handler) Run(ctx context.Context) (res Result) {
	ctx, cancel := context.WithCancel(ctx)
	metrics.ActiveSessions.Inc()
	defer func() {
		if r := recover(); r != nil {
			res = h.finish(Failed, types.ReasonInternalError, fmt.Errorf("session panic: %v", r))
		}
		h.release()
		cancel()
		if err := h.conn.Close(); err != nil {
			h.log.WithError(err).Debug("closing connection")
		}
		metrics.ActiveSessions.Dec()
		metrics.SessionOutcomes.WithLabelValues(res.State.String(), res.Reason).Inc()
		entry := h.log.WithFields(logrus.Fields{"state": res.State, "reason": res.Reason})
		if res.Err != nil {
			entry = entry.WithError(res.Err)
		}
		entry.Info("session finished")
	}()
	go h.readLoop(ctx)

	h.setState(Connecting)
	credential, res, ok := h.awaitCredential(ctx)
	if !ok {
		return res
	}

	h.setState(Authenticating)
	if res, ok := h.authenticate(ctx, credential); !ok {
		return res
	}

	for {
		mode, res, ok := h.awaitRequest(ctx)
		if !ok {
			return res
		}
		for {
			res, next := h.queue(ctx, mode)
			switch next {
			case actionDone:
				return res
			case actionRejoin:
				continue
			}
			break
		}
	}
}

func (h *Handler) readLoop(ctx context.Context) {
	for {
		msg, err := h.conn.Recv(ctx)
		select {
		case h.inbound <- inbound{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (h *Handler) awaitCredential(ctx context.Context) (string, Result, bool) {
	var timeout <-chan time.Time
	if h.cfg.AuthTimeout > 0 {
		t := time.NewTimer(h.cfg.AuthTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case in := <-h.inbound:
		if errors.Is(in.err, types.ErrMalformedMessage) {
			return "", h.violation(ctx, in.err), false
		}
		if in.err != nil {
			return "", h.finish(Failed, types.ReasonDisconnect, fmt.Errorf("%w: %v", ErrProtocol, in.err)), false
		}
		if in.msg.Type != types.MsgAuthCredential || in.msg.Credential == "" {
			h.send(ctx, types.Rejected(types.ReasonProtocolError))
			return "", h.finish(Failed, types.ReasonProtocolError, fmt.Errorf("%w: expected credential, got %q", ErrProtocol, in.msg.Type)), false
		}
		return in.msg.Credential, Result{}, true
	case <-timeout:
		h.send(ctx, types.Rejected(types.ReasonProtocolError))
		return "", h.finish(Failed, types.ReasonProtocolError, fmt.Errorf("%w: no credential within %s", ErrProtocol, h.cfg.AuthTimeout)), false
	case <-h.shutdown:
		return "", h.shuttingDown(ctx), false
	case <-ctx.Done():
		return "", h.shuttingDown(ctx), false
	}
}

func (h *Handler) authenticate(ctx context.Context, credential string) (Result, bool) {
	id, ok, err := h.auth.Authenticate(ctx, []byte(credential))
	if err != nil {
		h.send(ctx, types.Rejected(types.ReasonAuthError))
		return h.finish(Failed, types.ReasonAuthError, fmt.Errorf("%w: %v", ErrAuth, err)), false
	}
	if !ok {
		h.send(ctx, types.Rejected(types.ReasonUnauthenticated))
		return h.finish(Failed, types.ReasonUnauthenticated, ErrUnauthenticated), false
	}
	h.player = id
	h.log = h.log.WithField("player", id)

	rating, err := h.ratings.Rating(ctx, id)
	if err != nil {
		h.send(ctx, types.Rejected(types.ReasonInternalError))
		return h.finish(Failed, types.ReasonInternalError, fmt.Errorf("rating lookup: %w", err)), false
	}
	h.rating = rating
	h.log.WithField("rating", rating).Debug("authenticated")
	return Result{}, true
}

// awaitRequest offers the available modes and waits for a selection.
func (h *Handler) awaitRequest(ctx context.Context) (string, Result, bool) {
	h.send(ctx, types.AvailableModes(h.cfg.Modes))

	select {
	case in := <-h.inbound:
		if errors.Is(in.err, types.ErrMalformedMessage) {
			return "", h.violation(ctx, in.err), false
		}
		if in.err != nil {
			return "", h.finish(Cancelled, types.ReasonDisconnect, in.err), false
		}
		switch in.msg.Type {
		case types.MsgMatchmakingRequest:
			if !h.knownMode(in.msg.Mode) {
				h.send(ctx, types.Rejected(types.ReasonUnknownMode))
				return "", h.finish(Failed, types.ReasonUnknownMode, fmt.Errorf("%w: unknown mode %q", ErrProtocol, in.msg.Mode)), false
			}
			return in.msg.Mode, Result{}, true
		case types.MsgMatchmakingCancel:
			return "", h.finish(Cancelled, cancelReason(in.msg.Reason), nil), false
		}
		h.send(ctx, types.Rejected(types.ReasonProtocolError))
		return "", h.finish(Failed, types.ReasonProtocolError, fmt.Errorf("%w: unexpected %q while selecting mode", ErrProtocol, in.msg.Type)), false
	case <-h.shutdown:
		return "", h.shuttingDown(ctx), false
	case <-ctx.Done():
		return "", h.shuttingDown(ctx), false
	}
}

func (h *Handler) knownMode(mode string) bool {
	for _, m := range h.cfg.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// queue joins the pool and races the match, the client and shutdown.
func (h *Handler) queue(ctx context.Context, mode string) (Result, action) {
	ms, err := h.engine.JoinPool(ctx, h.player, h.rating)
	if err != nil {
		if errors.Is(err, pool.ErrAlreadyQueued) {
			h.send(ctx, types.Rejected(types.ReasonAlreadyQueued))
			return h.finish(Failed, types.ReasonAlreadyQueued, err), actionDone
		}
		h.send(ctx, types.Rejected(types.ReasonInternalError))
		return h.finish(Failed, types.ReasonInternalError, err), actionDone
	}
	h.membership = ms
	h.setState(Queued)
	h.send(ctx, types.Queued(mode))
	h.setState(Resolving)

	if res, done := h.resolve(ctx, ms); done {
		return res, actionDone
	}
	ticker := time.NewTicker(h.cfg.ResolveInterval)
	defer ticker.Stop()

	for {
		ev := h.wait(ctx, ms, ticker.C)
		switch ev.kind {
		case evMatched:
			return h.resolved(ctx, ms), actionDone
		case evTick:
			if res, done := h.resolve(ctx, ms); done {
				return res, actionDone
			}
		case evShutdown:
			return h.cancel(ctx, ms, types.ReasonServerShuttingDown, nil)
		case evInbound:
			switch {
			case errors.Is(ev.in.err, types.ErrMalformedMessage):
				return h.queuedViolation(ctx, ms, ev.in.err), actionDone
			case ev.in.err != nil:
				return h.cancel(ctx, ms, types.ReasonDisconnect, ev.in.err)
			case ev.in.msg.Type == types.MsgMatchmakingCancel:
				return h.cancel(ctx, ms, cancelReason(ev.in.msg.Reason), nil)
			}
			return h.queuedViolation(ctx, ms, fmt.Errorf("unexpected %q while queued", ev.in.msg.Type)), actionDone
		}
	}
}

// wait blocks for the next event. When several sources are ready at once a
// committed match wins over a client message, which wins over shutdown.
func (h *Handler) wait(ctx context.Context, ms *match.Membership, tick <-chan time.Time) event {
	var ev event
	select {
	case <-ms.Matched():
		return event{kind: evMatched}
	case <-tick:
		ev = event{kind: evTick}
	case in := <-h.inbound:
		ev = event{kind: evInbound, in: in}
	case <-h.shutdown:
		ev = event{kind: evShutdown}
	case <-ctx.Done():
		ev = event{kind: evShutdown}
	}

	select {
	case <-ms.Matched():
		return event{kind: evMatched}
	default:
	}
	if ev.kind == evShutdown {
		select {
		case in := <-h.inbound:
			return event{kind: evInbound, in: in}
		default:
		}
	}
	return ev
}

func (h *Handler) resolve(ctx context.Context, ms *match.Membership) (Result, bool) {
	res, _, err := h.engine.TryResolve(ctx, ms)
	if err != nil {
		h.release()
		h.send(ctx, types.Rejected(types.ReasonInternalError))
		return h.finish(Failed, types.ReasonInternalError, err), true
	}
	switch res {
	case match.Matched:
		return h.resolved(ctx, ms), true
	case match.AwaitingCapacity:
		h.log.Debug("matched, waiting for server capacity")
	}
	return Result{}, false
}

func (h *Handler) resolved(ctx context.Context, ms *match.Membership) Result {
	h.release()
	m, _ := ms.Match()
	res := h.finish(Resolved, "", nil)
	res.Match = m
	h.log.WithFields(logrus.Fields{"match": m.ID, "peer": m.Peer(h.player), "server": m.Server}).Info("match found")
	h.send(ctx, types.MatchFound(m, h.player))
	return res
}

// cancel releases the membership. If a match was committed before the
// release took effect the match wins.
func (h *Handler) cancel(ctx context.Context, ms *match.Membership, reason string, cause error) (Result, action) {
	if !h.release() {
		if _, ok := ms.Match(); ok {
			return h.resolved(ctx, ms), actionDone
		}
	}

	switch reason {
	case types.ReasonServerShuttingDown:
		return h.shuttingDown(ctx), actionDone
	case types.ReasonDisconnect:
		return h.finish(Cancelled, reason, cause), actionDone
	}

	switch h.cfg.CancelPolicy {
	case PolicyReselect:
		h.setState(Cancelled)
		h.log.Debug("search cancelled, awaiting new request")
		return Result{}, actionReselect
	case PolicyRejoin:
		h.setState(Cancelled)
		h.log.Debug("search cancelled, re-joining pool")
		return Result{}, actionRejoin
	}
	h.send(ctx, types.Rejected(reason))
	return h.finish(Cancelled, reason, nil), actionDone
}

// violation rejects the client for breaking the protocol.
func (h *Handler) violation(ctx context.Context, cause error) Result {
	h.send(ctx, types.Rejected(types.ReasonProtocolError))
	return h.finish(Failed, types.ReasonProtocolError, fmt.Errorf("%w: %w", ErrProtocol, cause))
}

// queuedViolation is violation for a queued client. A match committed before
// the release still wins.
func (h *Handler) queuedViolation(ctx context.Context, ms *match.Membership, cause error) Result {
	if !h.release() {
		if _, ok := ms.Match(); ok {
			return h.resolved(ctx, ms)
		}
	}
	return h.violation(ctx, cause)
}

func (h *Handler) shuttingDown(ctx context.Context) Result {
	h.release()
	h.send(ctx, types.Rejected(types.ReasonServerShuttingDown))
	return h.finish(Cancelled, types.ReasonServerShuttingDown, nil)
}

// release gives back the current membership. It reports true only when this
// call removed the pool entry.
func (h *Handler) release() bool {
	if h.membership == nil {
		return false
	}
	return h.engine.Release(h.membership)
}

func (h *Handler) finish(s State, reason string, err error) Result {
	h.setState(s)
	return Result{State: s, Reason: reason, Player: h.player, Err: err}
}

func (h *Handler) send(ctx context.Context, msg types.Outbound) {
	if err := h.conn.Send(ctx, msg); err != nil {
		h.log.WithError(err).WithField("type", msg.Type).Debug("send failed")
	}
}

func cancelReason(r string) string {
	if r == types.ReasonDisconnect {
		return r
	}
	return types.ReasonUserCancelled
}
