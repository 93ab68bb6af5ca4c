package core

// common_structs.go centralizes struct definitions shared by the P2P
// overlay and its supporting peer-management/sync code, keeping the
// gossip-node shape in one place rather than scattering it across
// network.go, peer_management.go and blockchain_synchronization.go.

import (
	"context"
	"net"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	host "github.com/libp2p/go-libp2p/core/host"
)

//---------------------------------------------------------------------
// P2P structs
//---------------------------------------------------------------------

type NodeID string

// Peer is a known gossip-overlay participant. Score, rate limiting and ban
// state live in core/peer_scoring.go's PeerScoreTracker rather than here, so
// a Peer stays a cheap, copyable identity/address record.
type Peer struct {
	ID      NodeID
	Addr    string
	Latency time.Duration
	Conn    net.Conn
}

type Message struct {
	From  NodeID
	Topic string
	Data  []byte
}

// Config configures a gossip overlay Node: listen address, static bootstrap
// peers, the mDNS discovery tag, and the three EdgeAI gossip topics.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string

	TxTopic           string
	BlockTopic        string
	ContributionTopic string
}

// DefaultNetworkConfig fills in the three EdgeAI gossip topic names.
func DefaultNetworkConfig(listenAddr string, bootstrap []string) Config {
	return Config{
		ListenAddr:        listenAddr,
		BootstrapPeers:    bootstrap,
		DiscoveryTag:      "edgeai-mdns",
		TxTopic:           "edgeai/tx/1.0.0",
		BlockTopic:        "edgeai/block/1.0.0",
		ContributionTopic: "edgeai/contribution/1.0.0",
	}
}

type Node struct {
	host      host.Host
	pubsub    *pubsub.PubSub
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription
	topicLock sync.RWMutex
	subLock   sync.RWMutex
	peerLock  sync.RWMutex
	peers     map[NodeID]*Peer
	nat       *NATManager
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       Config

	scores *PeerScoreTracker
	seen   *dedupCache
	dht    *Kademlia
}

// PeerInfo is a point-in-time view of a peer's connection quality, surfaced
// by PeerManager.Peers for peer sampling and health reporting (cmd/edgeaid's
// /status endpoint). Peers are addressed by their overlay NodeID here, not
// an account Address: the gossip layer knows nothing about which, if any,
// account a given libp2p peer signs transactions for.
type PeerInfo struct {
	ID      NodeID  `json:"id"`
	RTT     float64 `json:"rtt_ms"`
	Misses  int     `json:"misses"`
	Updated int64   `json:"updated_unix"`
}

// InboundMsg is a decoded message arriving on a PeerManager subscription.
type InboundMsg struct {
	PeerID  string `json:"peer_id"`
	Code    byte   `json:"code"`
	Payload []byte `json:"payload"`

	Topic string  `json:"topic,omitempty"`
	From  Address `json:"from,omitempty"`
	Ts    int64   `json:"ts"`
}

// PeerManager abstracts the gossip overlay for code that only needs to
// discover, message and rank peers (sync, health reporting) without
// depending on libp2p types directly.
type PeerManager interface {
	Peers() []PeerInfo
	Connect(addr string) error
	Disconnect(id NodeID) error
	Sample(n int) []string
	SendAsync(peerID, proto string, code byte, payload []byte) error
	Subscribe(proto string) <-chan InboundMsg
	Unsubscribe(proto string)
}
