package paxos

import "github.com/shanyp/neon/capability"

// eventFlags mirrors the WL_* bitset FormatEvents formats in the
// original: the subset capability.EventMask actually models (readable,
// writable) plus the process/socket-lifecycle bits this port tracks on
// the peer itself rather than in the raw event word.
type eventFlags struct {
	latch           bool
	readable        bool
	writable        bool
	timeout         bool
	socketConnected bool
}

// FormatEvents renders a fixed-width diagnostic string for a peer's
// event/state line, byte-for-byte following the original's layout. It
// reproduces that function's index-5 bug rather than fixing it: the
// byte for exit-on-postmaster-death ('E') and the byte for
// socket-connected ('C') both target the same offset, so whenever the
// peer is connected 'C' overwrites 'E'. The 'E' byte therefore shows
// only for a peer that is not connected — left that way deliberately,
// per the open question in spec.md about which flag was actually
// intended there.
func FormatEvents(f eventFlags) string {
	b := []byte("_______")

	set := func(i int, ok bool, ch byte) {
		if ok {
			b[i] = ch
		}
	}
	set(0, f.latch, 'L')
	set(1, f.readable, 'R')
	set(2, f.writable, 'W')
	set(3, f.timeout, 'T')
	set(4, true, 'D') // process-lifetime flag this port always carries
	set(5, true, 'E') // overwritten below when connected, as in the original
	set(5, f.socketConnected, 'C')

	return string(b)
}

// peerEventFlags builds the eventFlags FormatEvents needs out of the
// delivered event mask and the peer's connection state.
func peerEventFlags(p *Peer, events capability.EventMask) eventFlags {
	return eventFlags{
		readable:        events&capability.EventReadable != 0,
		writable:        events&capability.EventWritable != 0,
		socketConnected: p.State != Offline,
	}
}
