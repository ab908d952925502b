// Package chat sends text over connected peers' data channels and keeps the
// local message history.
package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/imisumi/webrtc-chat/internal/metrics"
	"github.com/imisumi/webrtc-chat/internal/negotiation"
	"github.com/imisumi/webrtc-chat/internal/peer"
)

var (
	ErrNoPeers          = errors.New("chat: no connected peers")
	ErrPeerNotConnected = errors.New("chat: peer not connected")
	ErrEmptyMessage     = errors.New("chat: empty message")
)

// Runner executes fn with exclusive access to the peer registry.
type Runner interface {
	Do(ctx context.Context, fn func(reg *peer.Registry)) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, fn func(reg *peer.Registry)) error

func (r RunnerFunc) Do(ctx context.Context, fn func(reg *peer.Registry)) error { return r(ctx, fn) }

type Facade struct {
	localID string
	runner  Runner
	history *History
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewFacade(localID string, runner Runner, history *History, logger *slog.Logger, m *metrics.Metrics) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	if history == nil {
		history = NewHistory(0)
	}
	return &Facade{
		localID: localID,
		runner:  runner,
		history: history,
		log:     logger.With("component", "chat"),
		metrics: m,
	}
}

func (f *Facade) History() *History { return f.history }

func (f *Facade) wire(text string) string {
	return f.localID + ": " + text
}

// Broadcast sends text to every connected peer with an open channel and
// returns the number of deliveries. With no deliveries nothing is recorded and
// ErrNoPeers is returned.
func (f *Facade) Broadcast(ctx context.Context, text string) (int, error) {
	if text == "" {
		return 0, ErrEmptyMessage
	}
	var delivered int
	err := f.runner.Do(ctx, func(reg *peer.Registry) {
		for _, e := range reg.Usable() {
			if err := e.Channel.SendText(f.wire(text)); err != nil {
				f.log.Warn("broadcast send failed", "peer", e.ID, "err", err)
				continue
			}
			delivered++
		}
		if delivered > 0 {
			f.history.Append("[You] " + text)
		}
	})
	if err != nil {
		return 0, err
	}
	if delivered == 0 {
		return 0, ErrNoPeers
	}
	f.metrics.Add(metrics.MessagesSent, uint64(delivered))
	return delivered, nil
}

// SendTo sends text to a single connected peer.
func (f *Facade) SendTo(ctx context.Context, peerID, text string) error {
	if text == "" {
		return ErrEmptyMessage
	}
	var sendErr error
	err := f.runner.Do(ctx, func(reg *peer.Registry) {
		e, ok := reg.Get(peerID)
		if !ok || !e.Usable() {
			sendErr = ErrPeerNotConnected
			return
		}
		if err := e.Channel.SendText(f.wire(text)); err != nil {
			sendErr = err
			return
		}
		f.history.Append("[You -> " + peerID + "] " + text)
	})
	if err != nil {
		return err
	}
	if sendErr != nil {
		return sendErr
	}
	f.metrics.Inc(metrics.MessagesSent)
	return nil
}

// Deliver records text received from peerID.
func (f *Facade) Deliver(peerID, text string) {
	f.history.Append("[" + peerID + "] " + text)
}

// Observe returns an Observer that records inbound messages with Deliver and
// then passes every notification to next. A nil next only records.
func (f *Facade) Observe(next negotiation.Observer) negotiation.Observer {
	if next == nil {
		next = negotiation.NopObserver{}
	}
	return recorder{Observer: next, f: f}
}

type recorder struct {
	negotiation.Observer
	f *Facade
}

func (r recorder) MessageReceived(peerID, text string) {
	r.f.Deliver(peerID, text)
	r.Observer.MessageReceived(peerID, text)
}
