// Package consistency implements the tunable read/write consistency
// levels of spec.md §6.1 and the threshold arithmetic §4.3/§4.4 share
// between the read and write coordinators.
package consistency

// Kind is the closed set of consistency levels a client may request.
type Kind int

const (
	One Kind = iota
	Two
	Three
	From
	Quorum
	All
)

// Level is a consistency level, with N populated only for From.
type Level struct {
	Kind Kind
	N    int
}

func NewOne() Level         { return Level{Kind: One} }
func NewTwo() Level         { return Level{Kind: Two} }
func NewThree() Level       { return Level{Kind: Three} }
func NewAll() Level         { return Level{Kind: All} }
func NewQuorum() Level      { return Level{Kind: Quorum} }
func NewFrom(n int) Level   { return Level{Kind: From, N: n} }

// IsLocal reports whether the level can be served without a
// coordinator, i.e. consistency level One.
func (l Level) IsLocal() bool { return l.Kind == One }

// Threshold computes the "done when remaining <= threshold" bound a
// coordinator watches (§4.3/§4.4). The coordinator starts with
// remaining == peerCount (every peer reply still outstanding) and
// decrements it by one on each reply; it is finished the moment
// remaining drops to or below the returned threshold. ok is false only
// for Quorum with a cluster of fewer than three total nodes
// (§4.3/§9 Open Question (b): this specification preserves the
// original fail-fast rather than degrading to All). Two, Three or From
// asking for more replicas than the cluster has yields a negative
// threshold with ok == true; remaining never reaches it, so the
// coordinator ends in a timeout.
func (l Level) Threshold(peerCount int) (threshold int, ok bool) {
	n := peerCount + 1 // total cluster size including self
	switch l.Kind {
	case One, Two, Three, From:
		want := 1
		switch l.Kind {
		case Two:
			want = 2
		case Three:
			want = 3
		case From:
			want = l.N
		}
		return peerCount - (want - 1), true
	case Quorum:
		if n < 3 {
			return 0, false
		}
		return n - (n/2 + 1), true
	case All:
		return 0, true
	default:
		return 0, false
	}
}
