package core

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// GossipEnvelope wraps a payload with a gossip-identity signature distinct
// from the sender's wallet key, so peer-scoring and replay protection never
// depend on wallet key material being exposed to the network layer.
type GossipEnvelope struct {
	Payload   []byte `json:"payload"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// SignGossip wraps payload in a signed envelope using the node's gossip
// identity key.
func SignGossip(priv ed25519.PrivateKey, payload []byte) ([]byte, error) {
	sig := ed25519.Sign(priv, payload)
	env := GossipEnvelope{Payload: payload, PublicKey: priv.Public().(ed25519.PublicKey), Signature: sig}
	return json.Marshal(&env)
}

// VerifyGossip unwraps and verifies an envelope, returning its payload.
func VerifyGossip(raw []byte) ([]byte, error) {
	var env GossipEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, coded("MALFORMED_ENVELOPE", err.Error())
	}
	if len(env.PublicKey) != ed25519.PublicKeySize || !ed25519.Verify(env.PublicKey, env.Payload, env.Signature) {
		return nil, ErrInvalidSignature
	}
	return env.Payload, nil
}

// NewNode creates and bootstraps an EdgeAI P2P node: a libp2p host, a
// GossipSub router, LAN discovery via mDNS, NAT-PMP/UPnP port mapping, and
// the bootstrap dial list from cfg.
func NewNode(cfg Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	n := &Node{
		host:   h,
		pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		peers:  make(map[NodeID]*Peer),
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		scores: NewPeerScoreTracker(),
		seen:   newDedupCache(10_000, 5*time.Minute),
		dht:    NewKademlia(NodeID(h.ID().String())),
	}

	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		logrus.Warnf("DialSeed warning: %v", err)
	}

	mdns.NewMdnsService(h, cfg.DiscoveryTag, n)

	if nat, err := NewNATManager(); err != nil {
		logrus.Debugf("NAT traversal unavailable, staying LAN/public-IP only: %v", err)
	} else {
		n.nat = nat
		if port, err := parsePort(cfg.ListenAddr); err != nil {
			logrus.Debugf("no tcp port in listen address %s, skipping NAT mapping: %v", cfg.ListenAddr, err)
		} else if err := nat.Map(port); err != nil {
			logrus.Warnf("NAT port mapping for %d failed: %v", port, err)
		} else {
			logrus.Infof("mapped external port %d via NAT, external IP %s", port, nat.ExternalIP())
		}
	}

	return n, nil
}

var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a discovered LAN peer.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	n.peerLock.RLock()
	_, exists := n.peers[NodeID(info.ID.String())]
	n.peerLock.RUnlock()
	if exists {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		logrus.Warnf("Failed to connect to discovered peer %s: %v", info.ID.String(), err)
		return
	}
	n.peerLock.Lock()
	n.peers[NodeID(info.ID.String())] = &Peer{ID: NodeID(info.ID.String()), Addr: info.String()}
	n.peerLock.Unlock()
	n.scores.Register(NodeID(info.ID.String()))
	n.dht.AddPeer(NodeID(info.ID.String()))
	logrus.Infof("Connected to peer %s via mDNS", info.ID.String())
}

// DialSeed connects to the static bootstrap peer list.
func (n *Node) DialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		n.peerLock.Lock()
		n.peers[NodeID(pi.ID.String())] = &Peer{ID: NodeID(pi.ID.String()), Addr: addr}
		n.peerLock.Unlock()
		n.scores.Register(NodeID(pi.ID.String()))
		n.dht.AddPeer(NodeID(pi.ID.String()))
		logrus.Infof("Bootstrapped to %s", addr)
	}
	if len(errs) > 0 {
		return fmt.Errorf("dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Broadcast publishes data (already envelope-wrapped by the caller) on topic.
func (n *Node) Broadcast(topic string, data []byte) error {
	n.topicLock.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.topicLock.Unlock()
			return fmt.Errorf("join topic %s: %w", topic, err)
		}
		n.topics[topic] = t
	}
	n.topicLock.Unlock()
	if err := t.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("publish topic %s: %w", topic, err)
	}
	return nil
}

// Subscribe listens for messages on topic, dropping envelopes whose payload
// hash has already been seen (gossip duplicate suppression) before handing
// them to the caller.
func (n *Node) Subscribe(topic string) (<-chan Message, error) {
	n.subLock.Lock()
	sub, ok := n.subs[topic]
	if !ok {
		var err error
		sub, err = n.pubsub.Subscribe(topic)
		if err != nil {
			n.subLock.Unlock()
			return nil, fmt.Errorf("subscribe topic %s: %w", topic, err)
		}
		n.subs[topic] = sub
	}
	n.subLock.Unlock()
	out := make(chan Message)
	go func() {
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				logrus.Warnf("subscription next error: %v", err)
				close(out)
				return
			}
			from := NodeID(msg.GetFrom().String())
			if n.seen.SeenOrMark(msg.Data) {
				n.scores.Apply(from, ScoreDeltaDuplicate)
				continue
			}
			out <- Message{From: from, Topic: topic, Data: msg.Data}
		}
	}()
	return out, nil
}

// ListenAndServe blocks until context cancellation.
func (n *Node) ListenAndServe() {
	<-n.ctx.Done()
	logrus.Info("network node shutting down")
}

// Close tears the node down, releasing any NAT port mapping first.
func (n *Node) Close() error {
	if n.nat != nil {
		if err := n.nat.Unmap(); err != nil {
			logrus.Warnf("NAT unmap failed: %v", err)
		}
	}
	n.cancel()
	return n.host.Close()
}

// ExternalAddr reports the node's NAT-discovered public IP, if any. Returns
// ("", false) when no gateway was reachable (most LAN/test environments).
func (n *Node) ExternalAddr() (string, bool) {
	if n.nat == nil {
		return "", false
	}
	ip := n.nat.ExternalIP()
	if ip == nil {
		return "", false
	}
	return ip.String(), true
}

// Peers returns the current peer list.
func (n *Node) Peers() []*Peer {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	list := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		list = append(list, p)
	}
	return list
}

// Scores exposes the node's peer-score tracker, used by sync ranking and
// the metrics sampler.
func (n *Node) Scores() *PeerScoreTracker { return n.scores }

// AnnounceDataHost records this node as a host for dataHash in the node's
// Kademlia index, so peers querying the marketplace for a listing can
// locate a node actually holding the payload rather than only its
// on-chain metadata.
func (n *Node) AnnounceDataHost(dataHash string) {
	n.dht.Store(dataHash, []byte(n.host.ID().String()))
}

// FindDataHost looks up a previously announced host for dataHash.
func (n *Node) FindDataHost(dataHash string) (NodeID, bool) {
	raw, ok := n.dht.Lookup(dataHash)
	if !ok {
		return "", false
	}
	return NodeID(raw), true
}

// NearestPeers returns up to count peers closest to target by XOR distance
// over the node's Kademlia routing table. SyncManager does not use it; it
// ranks only directly-connected peers.
func (n *Node) NearestPeers(target NodeID, count int) []NodeID {
	return n.dht.Nearest(target, count)
}
