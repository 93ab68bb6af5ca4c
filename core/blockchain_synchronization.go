package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SyncState enumerates the chain synchronization state machine.
type SyncState string

const (
	SyncIdle               SyncState = "Idle"
	SyncDiscovering        SyncState = "Discovering"
	SyncDownloadingBlocks  SyncState = "DownloadingBlocks"
	SyncValidating         SyncState = "Validating"
	SyncApplying           SyncState = "Applying"
	SyncCompleted          SyncState = "Completed"
	SyncFailed             SyncState = "Failed"
)

const (
	maxBlocksPerRequest  = 100
	maxConcurrentFetches = 4
	fetchTimeout         = 30 * time.Second
	maxReassignAttempts  = 3
)

// peerRank scores a sync candidate by freshness, reliability and speed,
// weighted 0.3/0.4/0.3 per SPEC_FULL.md.
type peerRank struct {
	id         NodeID
	freshness  float64
	reliability float64
	speed      float64
}

func (r peerRank) score() float64 {
	return 0.3*r.freshness + 0.4*r.reliability + 0.3*r.speed
}

// chunkJob describes one outstanding block-range fetch.
type chunkJob struct {
	from     uint64
	to       uint64
	attempts int
}

// SyncManager drives a node's ledger to the chain tip observed across its
// peer set, using the node's PeerScoreTracker for reliability ranking. It
// holds the ConnPool it is given, but no sync path dials through it. Adapted from the teacher's
// SyncManager orchestration shape (background loop + Start/Stop) retargeted
// from a single Replicator call to the full ranked multi-peer state machine.
type SyncManager struct {
	ledger *Ledger
	node   *Node
	pool   *ConnPool
	logger *logrus.Entry

	mu     sync.RWMutex
	state  SyncState
	active bool
	quit   chan struct{}
}

// NewSyncManager wires the synchronizer to a ledger, gossip node and
// connection pool.
func NewSyncManager(ledger *Ledger, node *Node, pool *ConnPool) *SyncManager {
	return &SyncManager{
		ledger: ledger,
		node:   node,
		pool:   pool,
		logger: logrus.WithField("component", "sync"),
		state:  SyncIdle,
		quit:   make(chan struct{}),
	}
}

// State returns the current state-machine value.
func (m *SyncManager) State() SyncState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *SyncManager) setState(s SyncState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.logger.WithField("state", s).Debug("sync state transition")
}

// Start launches a background goroutine that repeatedly attempts to catch
// the node up to the best-known peer tip.
func (m *SyncManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return
	}
	m.active = true
	m.mu.Unlock()

	go m.loop(ctx)
	m.logger.Info("sync manager started")
}

// Stop terminates the background synchronization loop.
func (m *SyncManager) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	close(m.quit)
	m.active = false
	m.mu.Unlock()
	m.logger.Info("sync manager stopped")
}

func (m *SyncManager) loop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		case <-ticker.C:
			if err := m.SyncOnce(ctx); err != nil {
				m.logger.Warnf("sync round failed: %v", err)
			}
		}
	}
}

// rankPeers orders known peers by the 0.3*freshness + 0.4*reliability +
// 0.3*speed formula, highest first. Reliability comes from the node's
// PeerScoreTracker (normalized into [0,1]); speed is derived from the most
// recent observed round-trip latency in Node.peers; freshness is fixed at
// 1.0 for every peer.
func (m *SyncManager) rankPeers() []peerRank {
	peers := m.node.Peers()
	scores := m.node.Scores().Snapshot()

	ranks := make([]peerRank, 0, len(peers))
	for _, p := range peers {
		reliability := (scores[p.ID] - scoreFloor) / (scoreCeil - scoreFloor)
		speed := 1.0
		if p.Latency > 0 {
			speed = 1.0 / (1.0 + p.Latency.Seconds())
		}
		ranks = append(ranks, peerRank{
			id:          p.ID,
			freshness:   1.0, // per-peer tip height is not tracked
			reliability: reliability,
			speed:       speed,
		})
	}
	sort.Slice(ranks, func(i, j int) bool { return ranks[i].score() > ranks[j].score() })
	return ranks
}

// SyncOnce performs one synchronization round: discover peers, download any
// missing block range in bounded chunks across up to maxConcurrentFetches
// workers, validate, and apply. Exported so an operator CLI can trigger an
// on-demand catch-up. Peer tip heights are not exchanged: the remote height
// is taken to be the local height, so a round with peers ends in Completed
// without downloading anything.
func (m *SyncManager) SyncOnce(ctx context.Context) error {
	m.setState(SyncDiscovering)
	ranks := m.rankPeers()
	if len(ranks) == 0 {
		m.setState(SyncIdle)
		return nil
	}

	localHeight := m.ledger.Height()
	remoteHeight := localHeight // peer tips are not exchanged
	if remoteHeight <= localHeight {
		m.setState(SyncCompleted)
		return nil
	}

	m.setState(SyncDownloadingBlocks)
	jobs := chunkJobs(localHeight+1, remoteHeight)
	results, err := m.downloadAll(ctx, jobs, ranks)
	if err != nil {
		m.setState(SyncFailed)
		return err
	}

	m.setState(SyncValidating)
	for _, blk := range results {
		if blk == nil {
			m.setState(SyncFailed)
			return fmt.Errorf("sync: missing block in downloaded range")
		}
	}

	m.setState(SyncApplying)
	for _, blk := range results {
		if err := m.ledger.AppendBlock(blk); err != nil {
			m.setState(SyncFailed)
			return fmt.Errorf("sync: apply block %d: %w", blk.Index, err)
		}
	}

	m.setState(SyncCompleted)
	return nil
}

// chunkJobs splits [from, to] into bounded-size ranges.
func chunkJobs(from, to uint64) []chunkJob {
	var jobs []chunkJob
	for start := from; start <= to; start += maxBlocksPerRequest {
		end := start + maxBlocksPerRequest - 1
		if end > to {
			end = to
		}
		jobs = append(jobs, chunkJob{from: start, to: end})
	}
	return jobs
}

// downloadAll runs chunk jobs across a bounded worker pool, reassigning a
// job to the next-ranked peer up to maxReassignAttempts times on failure.
func (m *SyncManager) downloadAll(ctx context.Context, jobs []chunkJob, ranks []peerRank) ([]*Block, error) {
	sem := make(chan struct{}, maxConcurrentFetches)
	var mu sync.Mutex
	var wg sync.WaitGroup
	var firstErr error
	blocks := make([]*Block, 0)

	for i := range jobs {
		job := jobs[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			fetched, err := m.fetchChunk(ctx, job, ranks)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			blocks = append(blocks, fetched...)
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })
	return blocks, nil
}

// fetchChunk requests [job.from, job.to] from successive ranked peers,
// reassigning on failure up to maxReassignAttempts times.
func (m *SyncManager) fetchChunk(ctx context.Context, job chunkJob, ranks []peerRank) ([]*Block, error) {
	var lastErr error
	for attempt := 0; attempt < maxReassignAttempts && attempt < len(ranks); attempt++ {
		peer := ranks[attempt]
		fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		blocks, err := m.requestRange(fctx, peer.id, job.from, job.to)
		cancel()
		if err == nil {
			return blocks, nil
		}
		lastErr = err
		m.logger.WithField("peer", peer.id).Warnf("chunk fetch failed, reassigning: %v", err)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no peers available for range %d-%d", job.from, job.to)
	}
	return nil, lastErr
}

// requestRange is the wire-level block-range request. No block-range
// transport is connected: it always returns an error, so every chunk fetch
// fails.
func (m *SyncManager) requestRange(ctx context.Context, peer NodeID, from, to uint64) ([]*Block, error) {
	return nil, fmt.Errorf("block-range transport not connected for peer %s [%d-%d]", peer, from, to)
}

// Status returns basic progress information for CLI/status-endpoint use.
func (m *SyncManager) Status() map[string]any {
	m.mu.RLock()
	state, active := m.state, m.active
	m.mu.RUnlock()
	return map[string]any{
		"height": m.ledger.Height(),
		"state":  state,
		"active": active,
	}
}
