package odin

import (
	"testing"

	"github.com/4Players/odin-go/pkg/signal"
)

func TestLocalPeer_StagedDataStaysLocalUntilUpdate(t *testing.T) {
	r := newTestRoom(t)
	self := r.Self()

	self.SetUserData([]byte("draft"))
	if got := self.UserData(); len(got) != 0 {
		t.Errorf("staged data leaked into committed state: %q", got)
	}

	if err := self.Update(); err != nil {
		t.Fatal(err)
	}
	if got := string(self.UserData()); got != "draft" {
		t.Errorf("expected committed draft, got %q", got)
	}
}

func TestLocalPeer_VolumeValidation(t *testing.T) {
	r := newTestRoom(t)

	if err := r.Self().SetVolume(2.1); err == nil {
		t.Error("expected error for volume above 2")
	}
	if err := r.Self().SetVolume(1.5); err != nil {
		t.Errorf("expected 1.5 to be accepted, got %v", err)
	}
}

func TestRemotePeer_LastWriterWins(t *testing.T) {
	p := newRemotePeer(signal.PeerSnapshot{PeerID: 3, UserID: "bob", UserData: []byte("a")})

	if p.updateData([]byte("a")) {
		t.Error("identical data must not count as a change")
	}
	if !p.updateData([]byte("b")) {
		t.Error("expected change for new data")
	}
	if got := string(p.UserData()); got != "b" {
		t.Errorf("expected b, got %q", got)
	}
}

func TestRemotePeer_MediasSortedAndLookup(t *testing.T) {
	r := newTestRoom(t)
	p := newRemotePeer(signal.PeerSnapshot{PeerID: 3})

	p.addMedia(newOutputStream(r, 3, 5))
	p.addMedia(newOutputStream(r, 3, 1))
	p.addMedia(newOutputStream(r, 3, 3))

	medias := p.Medias()
	if len(medias) != 3 || medias[0].ID() != 1 || medias[1].ID() != 3 || medias[2].ID() != 5 {
		t.Errorf("expected ids 1,3,5 in order, got %v", medias)
	}

	if _, ok := p.Media(3); !ok {
		t.Error("expected media 3")
	}
	if _, ok := p.Media(9); ok {
		t.Error("unexpected media 9")
	}

	if out := p.removeMedia(3); out == nil || out.ID() != 3 {
		t.Error("expected removal of media 3")
	}
	if p.removeMedia(3) != nil {
		t.Error("second removal must report nil")
	}
}

func TestRemotePeer_VolumeAppliesToFutureStreams(t *testing.T) {
	r := newTestRoom(t)
	p := newRemotePeer(signal.PeerSnapshot{PeerID: 3})

	if err := p.SetVolume(0.25); err != nil {
		t.Fatal(err)
	}
	p.addMedia(newOutputStream(r, 3, 1))

	out, _ := p.Media(1)
	if out.Volume() != 0.25 {
		t.Errorf("expected inherited volume 0.25, got %v", out.Volume())
	}
}

func TestRemotePeer_SnapshotRoundTrip(t *testing.T) {
	r := newTestRoom(t)
	p := newRemotePeer(signal.PeerSnapshot{PeerID: 3, UserID: "bob", UserData: []byte("afk")})
	p.addMedia(newOutputStream(r, 3, 2))
	p.addMedia(newOutputStream(r, 3, 1))

	snap := p.snapshot()
	if snap.PeerID != 3 || snap.UserID != "bob" || string(snap.UserData) != "afk" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if len(snap.Medias) != 2 || snap.Medias[0] != 1 || snap.Medias[1] != 2 {
		t.Errorf("expected sorted medias [1 2], got %v", snap.Medias)
	}

	if !diffPeers([]signal.PeerSnapshot{snap}, []signal.PeerSnapshot{snap}).empty() {
		t.Error("snapshot must diff empty against itself")
	}
}
