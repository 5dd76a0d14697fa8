package odin

import (
	"bytes"
	"sort"

	"github.com/4Players/odin-go/pkg/signal"
)

type mediaRef struct {
	peerID  uint64
	mediaID uint16
}

// peersDiff is the reconciliation result between the peers known
// before a connection loss and the snapshot delivered by the rejoin.
type peersDiff struct {
	removed      []signal.PeerSnapshot
	added        []signal.PeerSnapshot
	dataChanged  []signal.PeerSnapshot
	mediaStopped []mediaRef
	mediaStarted []mediaRef
}

func (d peersDiff) empty() bool {
	return len(d.removed) == 0 && len(d.added) == 0 && len(d.dataChanged) == 0 &&
		len(d.mediaStopped) == 0 && len(d.mediaStarted) == 0
}

// diffPeers compares two room snapshots treated as sets keyed by peer
// id. All result slices come back in ascending peer id order, so the
// events synthesized from them are deterministic. Comparing a snapshot
// against itself yields an empty diff.
func diffPeers(before, after []signal.PeerSnapshot) peersDiff {
	var d peersDiff

	prev := make(map[uint64]signal.PeerSnapshot, len(before))
	for _, p := range before {
		prev[p.PeerID] = p
	}
	next := make(map[uint64]signal.PeerSnapshot, len(after))
	for _, p := range after {
		next[p.PeerID] = p
	}

	for _, p := range sortedSnapshots(before) {
		if _, kept := next[p.PeerID]; !kept {
			d.removed = append(d.removed, p)
		}
	}

	for _, p := range sortedSnapshots(after) {
		old, kept := prev[p.PeerID]
		if !kept {
			d.added = append(d.added, p)
			continue
		}
		if !bytes.Equal(old.UserData, p.UserData) {
			d.dataChanged = append(d.dataChanged, p)
		}
		stopped, started := diffMedias(old.PeerID, old.Medias, p.Medias)
		d.mediaStopped = append(d.mediaStopped, stopped...)
		d.mediaStarted = append(d.mediaStarted, started...)
	}

	return d
}

func diffMedias(peerID uint64, before, after []uint16) (stopped, started []mediaRef) {
	prev := make(map[uint16]struct{}, len(before))
	for _, id := range before {
		prev[id] = struct{}{}
	}
	next := make(map[uint16]struct{}, len(after))
	for _, id := range after {
		next[id] = struct{}{}
	}

	for _, id := range sortedMedias(before) {
		if _, kept := next[id]; !kept {
			stopped = append(stopped, mediaRef{peerID: peerID, mediaID: id})
		}
	}
	for _, id := range sortedMedias(after) {
		if _, kept := prev[id]; !kept {
			started = append(started, mediaRef{peerID: peerID, mediaID: id})
		}
	}
	return stopped, started
}

// remoteSnapshots filters an accept snapshot down to remote peers,
// dropping any entry carrying the local peer id.
func remoteSnapshots(in []signal.PeerSnapshot, selfID uint64) []signal.PeerSnapshot {
	out := make([]signal.PeerSnapshot, 0, len(in))
	for _, p := range in {
		if p.PeerID != selfID {
			out = append(out, p)
		}
	}
	return out
}

func sortedSnapshots(in []signal.PeerSnapshot) []signal.PeerSnapshot {
	out := make([]signal.PeerSnapshot, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func sortedMedias(in []uint16) []uint16 {
	out := make([]uint16, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
