package host

import (
	"math"
	"slices"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DefaultHashPoints is the number of ring points per peer.
const DefaultHashPoints = 3

// Ring picks, for an object identity, the closest peer by hash distance.
// Each peer owns several points; its score is the shortest distance from
// any of them, so a departing peer only re-homes the objects it owned.
type Ring struct {
	points int
	peers  map[string][]uint64
}

// NewRing returns an empty ring with points points per peer, at least 3.
func NewRing(points int) *Ring {
	if points < DefaultHashPoints {
		points = DefaultHashPoints
	}
	return &Ring{
		points: points,
		peers:  make(map[string][]uint64),
	}
}

func (r *Ring) Add(peer string) {
	if _, ok := r.peers[peer]; ok {
		return
	}
	hashes := make([]uint64, r.points)
	for i := range hashes {
		hashes[i] = xxhash.Sum64String(strconv.Itoa(i) + ":" + peer)
	}
	r.peers[peer] = hashes
}

func (r *Ring) Remove(peer string) {
	delete(r.peers, peer)
}

func (r *Ring) Has(peer string) bool {
	_, ok := r.peers[peer]
	return ok
}

func (r *Ring) Len() int {
	return len(r.peers)
}

// Peers returns the members in id order.
func (r *Ring) Peers() []string {
	out := make([]string, 0, len(r.peers))
	for peer := range r.peers {
		out = append(out, peer)
	}
	slices.Sort(out)
	return out
}

// Closest returns the peer closest to key. Ties go to the smaller id.
func (r *Ring) Closest(key string) (string, bool) {
	h := xxhash.Sum64String(key)
	var (
		best      string
		bestScore uint64
		found     bool
	)
	for _, peer := range r.Peers() {
		score := uint64(math.MaxUint64)
		for _, p := range r.peers[peer] {
			score = min(score, distance(h, p))
		}
		if !found || score < bestScore {
			best, bestScore, found = peer, score, true
		}
	}
	return best, found
}

// distance is the shorter way around the 64-bit ring.
func distance(a, b uint64) uint64 {
	return min(a-b, b-a)
}
