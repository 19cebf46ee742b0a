package dht

import (
	"context"
	"crypto/sha256"
	"math/big"
	"sort"
	"sync"
	"time"
)

// SimDHT is an in-memory, single-process Kademlia stand-in, generalized
// from orbas1-Synnergy's core/kademlia.go with TTL-based expiry and the
// progress-event stream spec §4.2 requires. It's useful for tests and for
// running an entire cluster inside one process; it does not talk to any
// network.
type SimDHT struct {
	self    string
	mu      sync.RWMutex
	buckets [160][]string
	records map[[20]byte]simRecord
	events  chan ProgressEvent
}

type simRecord struct {
	value     []byte
	expiresAt time.Time
}

// NewSimDHT constructs a SimDHT bound to selfID, the identifier other peers
// use to compute XOR distance against this node.
func NewSimDHT(selfID string) *SimDHT {
	return &SimDHT{
		self:    selfID,
		records: make(map[[20]byte]simRecord),
		events:  make(chan ProgressEvent, 64),
	}
}

func hash160(data []byte) [20]byte {
	sum := sha256.Sum256(data)
	var h [20]byte
	copy(h[:], sum[:20])
	return h
}

func (d *SimDHT) emit(ev ProgressEvent) {
	select {
	case d.events <- ev:
	default:
		// Drop rather than block a query on a slow consumer.
	}
}

// Events implements DHT.
func (d *SimDHT) Events() <-chan ProgressEvent {
	return d.events
}

// AddPeer registers a peer identifier in the appropriate distance bucket,
// the SimDHT equivalent of a routing-table update from a successful dial.
func (d *SimDHT) AddPeer(id string) {
	if id == d.self {
		return
	}
	idx := d.bucketIndex(id)
	d.mu.Lock()
	for _, p := range d.buckets[idx] {
		if p == id {
			d.mu.Unlock()
			return
		}
	}
	d.buckets[idx] = append(d.buckets[idx], id)
	d.mu.Unlock()
	d.emit(ProgressEvent{Kind: EventRoutingTableUpdated, Key: id})
}

// Bootstrap implements DHT. SimDHT has nothing to dial, so this only marks
// the routing table ready; a real deployment seeds peers via AddPeer as
// they're discovered through some other channel (e.g. a shared bootstrap
// list).
func (d *SimDHT) Bootstrap(ctx context.Context) error {
	d.emit(ProgressEvent{Kind: EventQueryCompleted, Key: "bootstrap"})
	return nil
}

// PutRecord implements DHT.
func (d *SimDHT) PutRecord(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	h := hash160([]byte(key))
	cp := append([]byte(nil), value...)
	d.mu.Lock()
	d.records[h] = simRecord{value: cp, expiresAt: time.Now().Add(ttl)}
	d.mu.Unlock()
	d.emit(ProgressEvent{Kind: EventQueryCompleted, Key: key})
	return nil
}

// GetRecord implements DHT. An expired record is treated identically to a
// missing one and is lazily evicted.
func (d *SimDHT) GetRecord(ctx context.Context, key string) ([]byte, error) {
	h := hash160([]byte(key))
	d.mu.RLock()
	rec, ok := d.records[h]
	d.mu.RUnlock()
	if !ok || time.Now().After(rec.expiresAt) {
		if ok {
			d.mu.Lock()
			delete(d.records, h)
			d.mu.Unlock()
		}
		d.emit(ProgressEvent{Kind: EventQueryFailed, Key: key, Error: ErrNotFound})
		return nil, ErrNotFound
	}
	d.emit(ProgressEvent{Kind: EventRecordFound, Key: key})
	return append([]byte(nil), rec.value...), nil
}

// GetClosestPeers implements DHT, returning up to count peer IDs ordered by
// ascending XOR distance to id.
func (d *SimDHT) GetClosestPeers(ctx context.Context, id string, count int) ([]string, error) {
	idx := d.bucketIndex(id)
	d.mu.RLock()
	peers := make([]string, 0, count)
	for i := idx; i < len(d.buckets) && len(peers) < count*2; i++ {
		peers = append(peers, d.buckets[i]...)
	}
	d.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		return d.distance(peers[i], id).Cmp(d.distance(peers[j], id)) < 0
	})
	if len(peers) > count {
		peers = peers[:count]
	}
	d.emit(ProgressEvent{Kind: EventClosestPeersResult, Key: id})
	return peers, nil
}

func (d *SimDHT) bucketIndex(id string) int {
	a := hash160([]byte(d.self))
	b := hash160([]byte(id))
	var diff [20]byte
	for i := range diff {
		diff[i] = a[i] ^ b[i]
	}
	bn := new(big.Int).SetBytes(diff[:])
	if bn.Sign() == 0 {
		return len(d.buckets) - 1
	}
	return len(d.buckets) - bn.BitLen()
}

func (d *SimDHT) distance(a, b string) *big.Int {
	ha := hash160([]byte(a))
	hb := hash160([]byte(b))
	var diff [20]byte
	for i := range diff {
		diff[i] = ha[i] ^ hb[i]
	}
	return new(big.Int).SetBytes(diff[:])
}

var _ DHT = (*SimDHT)(nil)
