package odin

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestRegistry_JoinAndLookup(t *testing.T) {
	g := NewRegistry()
	dialer := &fakeDialer{script: []dialStep{{accept: acceptWith("lobby", 7)}}}

	room, err := g.JoinRoom(context.Background(), testOptions(dialer), "token")
	if err != nil {
		t.Fatal(err)
	}
	defer room.Leave()

	if g.Len() != 1 {
		t.Errorf("expected 1 room, got %d", g.Len())
	}
	got, ok := g.Room("lobby")
	if !ok || got != room {
		t.Error("expected lookup to return the joined room")
	}
	if _, ok := g.Room("ghost"); ok {
		t.Error("unexpected room under unknown id")
	}
}

func TestRegistry_RejectsDuplicateRoomID(t *testing.T) {
	g := NewRegistry()
	d1 := &fakeDialer{script: []dialStep{{accept: acceptWith("lobby", 7)}}}
	d2 := &fakeDialer{script: []dialStep{{accept: acceptWith("lobby", 8)}}}

	first, err := g.JoinRoom(context.Background(), testOptions(d1), "token")
	if err != nil {
		t.Fatal(err)
	}
	defer first.Leave()

	_, err = g.JoinRoom(context.Background(), testOptions(d2), "token")
	if !IsCode(err, ErrCodeInvalidState) {
		t.Fatalf("expected INVALID_STATE for duplicate room id, got %v", err)
	}
	if g.Len() != 1 {
		t.Errorf("expected the first room to stay registered, got %d", g.Len())
	}
	if first.Status() != StatusJoined {
		t.Errorf("first session should be untouched, got %q", first.Status())
	}
}

func TestRegistry_JoinFailureLeavesNothingBehind(t *testing.T) {
	g := NewRegistry()
	dialer := &fakeDialer{script: []dialStep{{err: fmt.Errorf("connection refused")}}}

	if _, err := g.JoinRoom(context.Background(), testOptions(dialer), "token"); err == nil {
		t.Fatal("expected join failure")
	}
	if g.Len() != 0 {
		t.Errorf("expected empty registry, got %d", g.Len())
	}
}

func TestRegistry_DeregistersOnLeave(t *testing.T) {
	g := NewRegistry()
	dialer := &fakeDialer{script: []dialStep{{accept: acceptWith("lobby", 7)}}}

	room, err := g.JoinRoom(context.Background(), testOptions(dialer), "token")
	if err != nil {
		t.Fatal(err)
	}

	room.Leave()
	waitFor(t, time.Second, func() bool { return g.Len() == 0 })
}

func TestRegistry_LeaveAll(t *testing.T) {
	g := NewRegistry()
	d1 := &fakeDialer{script: []dialStep{{accept: acceptWith("alpha", 1)}}}
	d2 := &fakeDialer{script: []dialStep{{accept: acceptWith("beta", 2)}}}

	r1, err := g.JoinRoom(context.Background(), testOptions(d1), "token")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := g.JoinRoom(context.Background(), testOptions(d2), "token")
	if err != nil {
		t.Fatal(err)
	}

	g.LeaveAll()

	if r1.Status() != StatusLeft || r2.Status() != StatusLeft {
		t.Errorf("expected both rooms left, got %q and %q", r1.Status(), r2.Status())
	}
	waitFor(t, time.Second, func() bool { return g.Len() == 0 })
}
