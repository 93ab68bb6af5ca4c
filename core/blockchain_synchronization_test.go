package core

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestChunkJobsSplitsIntoBoundedRanges(t *testing.T) {
	jobs := chunkJobs(1, maxBlocksPerRequest+10)
	if len(jobs) != 2 {
		t.Fatalf("expected 2 chunk jobs, got %d: %+v", len(jobs), jobs)
	}
	if jobs[0].from != 1 || jobs[0].to != maxBlocksPerRequest {
		t.Fatalf("unexpected first chunk: %+v", jobs[0])
	}
	if jobs[1].from != maxBlocksPerRequest+1 || jobs[1].to != maxBlocksPerRequest+10 {
		t.Fatalf("unexpected second chunk: %+v", jobs[1])
	}
}

func TestChunkJobsSingleRangeWithinBound(t *testing.T) {
	jobs := chunkJobs(5, 5)
	if len(jobs) != 1 || jobs[0].from != 5 || jobs[0].to != 5 {
		t.Fatalf("expected single one-block chunk, got %+v", jobs)
	}
}

func TestPeerRankScoreWeighting(t *testing.T) {
	r := peerRank{freshness: 1, reliability: 1, speed: 1}
	if got := r.score(); got < 0.999 || got > 1.001 {
		t.Fatalf("expected max-weighted score ~1.0, got %v", got)
	}

	lowReliability := peerRank{freshness: 1, reliability: 0, speed: 1}
	highReliability := peerRank{freshness: 1, reliability: 1, speed: 0}
	if highReliability.score() <= lowReliability.score() {
		t.Fatalf("reliability is weighted highest (0.4); a reliable-but-slow peer should outrank a fast-but-unreliable one")
	}
}

func TestSyncManagerStateTransitionsAndStatus(t *testing.T) {
	l := newTestLedger(t, NewMemStore(), nil)
	m := &SyncManager{ledger: l, state: SyncIdle, quit: make(chan struct{})}
	m.logger = logrus.WithField("component", "sync-test")

	if m.State() != SyncIdle {
		t.Fatalf("expected initial state Idle, got %v", m.State())
	}
	m.setState(SyncDownloadingBlocks)
	if m.State() != SyncDownloadingBlocks {
		t.Fatalf("expected state DownloadingBlocks, got %v", m.State())
	}

	status := m.Status()
	if status["state"] != SyncDownloadingBlocks {
		t.Fatalf("expected status to reflect current state, got %+v", status)
	}
	if status["height"] != uint64(0) {
		t.Fatalf("expected height 0 for a fresh ledger, got %+v", status["height"])
	}
}
