package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	pbft "github.com/splintercommunity/sawtooth-pbft"
)

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("host connection closed")

// Conn is the part of a ZeroMQ socket the client uses. zmq4.Socket
// satisfies it.
type Conn interface {
	Send(msg zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	Close() error
}

// Sink receives engine events. *pbft.Engine satisfies it.
type Sink interface {
	Submit(ctx context.Context, ev pbft.Event) error
}

// Client is the engine side of the validator link.
type Client struct {
	conn   Conn
	id     pbft.ValidatorID
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

var _ pbft.Service = (*Client)(nil)

// Dial connects a DEALER socket to the validator endpoint and registers the
// engine under id.
func Dial(ctx context.Context, endpoint string, id pbft.ValidatorID, logger *zap.Logger) (*Client, error) {
	sock := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(id)))
	if err := sock.Dial(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("connect to validator %s: %w", endpoint, err)
	}

	c := NewClient(sock, id, logger)
	if err := c.send(&Envelope{Kind: KindRegister, Peer: id}); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.logger.Info("connected to validator", zap.String("endpoint", endpoint))
	return c, nil
}

// NewClient wraps an established connection.
func NewClient(conn Conn, id pbft.ValidatorID, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		conn:   conn,
		id:     id,
		logger: logger.With(zap.String("component", "host")),
	}
}

func (c *Client) send(env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.conn.Send(zmq4.NewMsg(data)); err != nil {
		return fmt.Errorf("send %s: %w", env.Kind, err)
	}
	return nil
}

// Broadcast asks the validator to gossip payload to every peer.
func (c *Client) Broadcast(payload []byte) error {
	return c.send(&Envelope{Kind: KindBroadcast, Payload: payload})
}

// SendTo asks the validator to deliver payload to one peer.
func (c *Client) SendTo(peer pbft.ValidatorID, payload []byte) error {
	return c.send(&Envelope{Kind: KindSendTo, Peer: peer, Payload: payload})
}

// RequestBlock asks the validator to start building a block.
func (c *Client) RequestBlock() error {
	return c.send(&Envelope{Kind: KindInitializeBlock})
}

// FinalizeBlock tells the validator to commit the block.
func (c *Client) FinalizeBlock(seq uint64, digest pbft.Digest) error {
	return c.send(&Envelope{Kind: KindCommitBlock, Seq: seq, Digest: digestPtr(digest)})
}

// FailBlock tells the validator to drop the block.
func (c *Client) FailBlock(seq uint64, digest pbft.Digest) error {
	return c.send(&Envelope{Kind: KindFailBlock, Seq: seq, Digest: digestPtr(digest)})
}

// UpdateValidatorSet reports the installed membership.
func (c *Client) UpdateValidatorSet(ids []pbft.ValidatorID) error {
	return c.send(&Envelope{Kind: KindUpdateMembers, Validators: ids})
}

// Pump reads validator updates and submits them to sink until ctx is done,
// the validator sends shutdown or the connection fails. Malformed frames
// are logged and skipped.
func (c *Client) Pump(ctx context.Context, sink Sink) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		msg, err := c.conn.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive update: %w", err)
		}

		env, err := DecodeEnvelope(msg.Bytes())
		if err != nil {
			c.logger.Warn("dropping malformed update", zap.Error(err))
			continue
		}
		ev, err := env.Event()
		if err != nil {
			c.logger.Warn("dropping invalid update", zap.String("kind", env.Kind), zap.Error(err))
			continue
		}

		if err := sink.Submit(ctx, ev); err != nil {
			if errors.Is(err, pbft.ErrStopped) {
				return nil
			}
			return fmt.Errorf("submit %s: %w", env.Kind, err)
		}
		if _, ok := ev.(pbft.Shutdown); ok {
			c.logger.Info("validator requested shutdown")
			return nil
		}
	}
}

// Close closes the connection. Further commands return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
