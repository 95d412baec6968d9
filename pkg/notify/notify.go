// Package notify tells shards that the repository committed something so
// their trackers can poll straight away instead of waiting out the interval.
// Notifications are hints: a lost message only delays a tracker until its
// next scheduled poll.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-shardsync/pkg/logging"
	"github.com/dd0wney/cluso-shardsync/pkg/model"
)

const (
	topicTx  = "TX:"
	topicAcl = "ACL:"

	recvDeadline = 500 * time.Millisecond
)

var ErrBadMessage = errors.New("notify: malformed message")

// Event is one committed transaction (KindNode) or change set (KindAcl).
type Event struct {
	Kind model.EntityKind
	ID   int64
}

func encode(ev Event) ([]byte, error) {
	switch ev.Kind {
	case model.KindNode:
		return []byte(topicTx + strconv.FormatInt(ev.ID, 10)), nil
	case model.KindAcl:
		return []byte(topicAcl + strconv.FormatInt(ev.ID, 10)), nil
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrBadMessage, ev.Kind)
	}
}

func decode(msg []byte) (Event, error) {
	s := string(msg)
	var ev Event
	switch {
	case strings.HasPrefix(s, topicTx):
		ev.Kind, s = model.KindNode, s[len(topicTx):]
	case strings.HasPrefix(s, topicAcl):
		ev.Kind, s = model.KindAcl, s[len(topicAcl):]
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrBadMessage, msg)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return Event{}, fmt.Errorf("%w: %q", ErrBadMessage, msg)
	}
	ev.ID = id
	return ev, nil
}

// Publisher broadcasts commit events on a pub socket.
type Publisher struct {
	sock   mangos.Socket
	logger logging.Logger
}

// NewPublisher listens on addr, e.g. "tcp://0.0.0.0:7400".
func NewPublisher(addr string, logger logging.Logger) (*Publisher, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create pub socket: %w", err)
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	logger.Info("publishing commit notifications", logging.String("addr", addr))
	return &Publisher{sock: sock, logger: logger.With(logging.Component("notify"))}, nil
}

func (p *Publisher) Publish(ev Event) error {
	msg, err := encode(ev)
	if err != nil {
		return err
	}
	return p.sock.Send(msg)
}

// Hook adapts the publisher to a repository commit hook. Send failures are
// logged and dropped.
func (p *Publisher) Hook() func(kind model.EntityKind, id int64) {
	return func(kind model.EntityKind, id int64) {
		if err := p.Publish(Event{Kind: kind, ID: id}); err != nil {
			p.logger.Warn("dropping commit notification", logging.Error(err), logging.Int64("id", id))
		}
	}
}

func (p *Publisher) Close() error {
	return p.sock.Close()
}

// Subscriber receives commit events.
type Subscriber struct {
	sock   mangos.Socket
	logger logging.Logger
}

// NewSubscriber dials addr in the background, so the publisher may start
// later.
func NewSubscriber(addr string, logger logging.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	sock, err := sub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create sub socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionSubscribe, []byte("")); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, recvDeadline); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to set receive deadline: %w", err)
	}
	if err := sock.DialOptions(addr, map[string]any{mangos.OptionDialAsynch: true}); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Subscriber{sock: sock, logger: logger.With(logging.Component("notify"))}, nil
}

// Run delivers events to handle until ctx ends or the socket is closed.
func (s *Subscriber) Run(ctx context.Context, handle func(Event)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := s.sock.Recv()
		switch {
		case errors.Is(err, mangos.ErrRecvTimeout):
			continue
		case errors.Is(err, mangos.ErrClosed):
			return nil
		case err != nil:
			return fmt.Errorf("receive notification: %w", err)
		}
		ev, err := decode(msg)
		if err != nil {
			s.logger.Warn("ignoring notification", logging.Error(err))
			continue
		}
		handle(ev)
	}
}

func (s *Subscriber) Close() error {
	return s.sock.Close()
}
