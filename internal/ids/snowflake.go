package ids

import (
	"sync"
	"time"
)

// Epoch is the custom epoch for message ids (2024-01-01 UTC).
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	nodeBits = 10
	seqBits  = 12
	maxNode  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
)

// Generator produces time-sortable 63-bit ids: 41 bits of milliseconds since
// Epoch, 10 bits of node id, 12 bits of sequence. Ids from one Generator are
// strictly increasing.
type Generator struct {
	mu      sync.Mutex
	node    int64
	seq     int64
	lastMS  int64
	epochMS int64
	now     func() time.Time
}

// NewGenerator builds a Generator for node (0..1023; out of range falls back to 1).
func NewGenerator(node int64) *Generator {
	if node < 0 || node > maxNode {
		node = 1
	}
	return &Generator{node: node, epochMS: Epoch.UnixMilli(), now: time.Now}
}

// Next returns the next id.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UnixMilli()
	if now < g.lastMS {
		// clock moved backwards; keep issuing from the last timestamp
		now = g.lastMS
	}
	if now == g.lastMS {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			for now <= g.lastMS {
				time.Sleep(100 * time.Microsecond)
				now = g.now().UnixMilli()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMS = now

	return ((now - g.epochMS) << (nodeBits + seqBits)) | (g.node << seqBits) | g.seq
}

// Time extracts the creation time encoded in id.
func Time(id int64) time.Time {
	ms := id>>(nodeBits+seqBits) + Epoch.UnixMilli()
	return time.UnixMilli(ms).UTC()
}
