// Package zmqbus relays chat events between server nodes over ZeroMQ PUB/SUB.
package zmqbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/ashureev/parley/internal/broadcast"
	zmq "github.com/pebbe/zmq4"
)

// Config configures a node's sockets.
type Config struct {
	NodeID       string
	Bind         string   // e.g. tcp://*:5557, or tcp://127.0.0.1:* for any port
	Peers        []string // PUB endpoints of the other nodes
	PollInterval time.Duration
}

// Bus publishes to the local registry and to every peer node, and relays
// peer events into the local registry.
type Bus struct {
	cfg Config
	reg *broadcast.Registry

	zctx     *zmq.Context
	endpoint string // resolved PUB address
	pubMu    sync.Mutex
	pub    *zmq.Socket
	sub    *zmq.Socket
	poller *zmq.Poller

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New binds the PUB socket, connects the SUB socket to all peers and starts
// the receive loop.
func New(ctx context.Context, cfg Config, reg *broadcast.Registry) (*Bus, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("zmqbus: node id is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}

	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create zmq context: %w", err)
	}

	pub, err := zctx.NewSocket(zmq.PUB)
	if err != nil {
		_ = zctx.Term()
		return nil, fmt.Errorf("create pub socket: %w", err)
	}
	_ = pub.SetLinger(0)
	if err := pub.Bind(cfg.Bind); err != nil {
		pub.Close()
		_ = zctx.Term()
		return nil, fmt.Errorf("bind %s: %w", cfg.Bind, err)
	}
	endpoint, err := pub.GetLastEndpoint()
	if err != nil {
		endpoint = cfg.Bind
	}

	sub, err := zctx.NewSocket(zmq.SUB)
	if err != nil {
		pub.Close()
		_ = zctx.Term()
		return nil, fmt.Errorf("create sub socket: %w", err)
	}
	_ = sub.SetLinger(0)
	if err := sub.SetSubscribe(topicPrefix); err != nil {
		sub.Close()
		pub.Close()
		_ = zctx.Term()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	for _, peer := range cfg.Peers {
		if err := sub.Connect(peer); err != nil {
			sub.Close()
			pub.Close()
			_ = zctx.Term()
			return nil, fmt.Errorf("connect to peer %s: %w", peer, err)
		}
	}

	poller := zmq.NewPoller()
	poller.Add(sub, zmq.POLLIN)

	loopCtx, cancel := context.WithCancel(ctx)
	b := &Bus{
		cfg:      cfg,
		reg:      reg,
		zctx:     zctx,
		endpoint: endpoint,
		pub:      pub,
		sub:      sub,
		poller:   poller,
		cancel:   cancel,
	}

	b.wg.Add(1)
	go b.receiveLoop(loopCtx)

	slog.Info("Cluster bus started", "node_id", cfg.NodeID, "endpoint", endpoint, "peers", len(cfg.Peers))
	return b, nil
}

// Publish delivers the event locally, then relays it to the peers.
func (b *Bus) Publish(ctx context.Context, ev broadcast.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.reg.Publish(ev.ChatID, ev.Payload, ev.Exclude)

	data, err := encodeEnvelope(envelope{Node: b.cfg.NodeID, ChatID: ev.ChatID, Payload: ev.Payload})
	if err != nil {
		return err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if _, err := b.pub.SendMessage(topicFor(ev.ChatID), data); err != nil {
		return fmt.Errorf("relay chat %d: %w", ev.ChatID, err)
	}
	return nil
}

func (b *Bus) receiveLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		polled, err := b.poller.Poll(b.cfg.PollInterval)
		if err != nil {
			if isInterrupted(err) {
				continue
			}
			slog.Warn("Cluster bus poll failed", "error", err)
			continue
		}
		if len(polled) == 0 {
			continue
		}

		for {
			msg, err := b.sub.RecvMessageBytes(zmq.DONTWAIT)
			if err != nil {
				if !isRecvNotReady(err) {
					slog.Warn("Cluster bus receive failed", "error", err)
				}
				break
			}
			b.handle(msg)
		}
	}
}

func (b *Bus) handle(msg [][]byte) {
	if len(msg) != 2 {
		slog.Debug("Cluster bus dropped frame", "parts", len(msg))
		return
	}
	env, err := decodeEnvelope(msg[1])
	if err != nil {
		slog.Debug("Cluster bus dropped envelope", "error", err)
		return
	}
	if env.Node == b.cfg.NodeID {
		return
	}
	b.reg.Publish(env.ChatID, env.Payload, "")
}

// Close stops the receive loop and releases the sockets. Later calls return
// the first call's result.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.wg.Wait()

		b.pubMu.Lock()
		defer b.pubMu.Unlock()
		_ = b.sub.Close()
		_ = b.pub.Close()
		if err := b.zctx.Term(); err != nil {
			b.closeErr = fmt.Errorf("terminate zmq context: %w", err)
			return
		}
		slog.Info("Cluster bus stopped", "node_id", b.cfg.NodeID)
	})
	return b.closeErr
}

func isRecvNotReady(err error) bool {
	var errno zmq.Errno
	if errors.As(err, &errno) {
		return errno == zmq.AsErrno(syscall.EAGAIN)
	}
	return false
}

func isInterrupted(err error) bool {
	var errno zmq.Errno
	if errors.As(err, &errno) {
		return errno == zmq.AsErrno(syscall.EINTR)
	}
	return false
}
