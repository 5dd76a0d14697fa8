package audio

import (
	"errors"
	"io"
	"testing"
	"time"
)

func TestNullManager_CaptureBusy(t *testing.T) {
	m := NewNullManager(false)

	dev, err := m.OpenCapture(ToneDeviceID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.OpenCapture(ToneDeviceID); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("expected ErrDeviceBusy, got %v", err)
	}

	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	// Close is idempotent
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}

	dev2, err := m.OpenCapture(ToneDeviceID)
	if err != nil {
		t.Fatalf("expected reopen after close, got %v", err)
	}
	dev2.Close()

	if got := m.OpenCount(ToneDeviceID); got != 2 {
		t.Errorf("expected 2 opens, got %d", got)
	}
}

func TestNullManager_UnknownDevice(t *testing.T) {
	m := NewNullManager(false)
	if _, err := m.OpenCapture("cd-rom"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
	if _, err := m.OpenPlayback("cd-rom"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestToneCapture_Loudness(t *testing.T) {
	m := NewNullManager(false)
	dev, err := m.OpenCapture(ToneDeviceID)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	frame := make([]int16, FrameSamples)
	if err := dev.ReadFrame(frame); err != nil {
		t.Fatal(err)
	}

	power := PowerDB(frame)
	if power < -20.5 || power > -19.5 {
		t.Errorf("expected tone at about -20 dBFS, got %v", power)
	}
}

func TestSilenceCapture_Floor(t *testing.T) {
	m := NewNullManager(false)
	dev, err := m.OpenCapture(SilenceDeviceID)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	frame := make([]int16, FrameSamples)
	if err := dev.ReadFrame(frame); err != nil {
		t.Fatal(err)
	}
	if PowerDB(frame) != MinLevel {
		t.Error("expected silence from the silent capture device")
	}
}

func TestNullCapture_StopPausesFrames(t *testing.T) {
	m := NewNullManager(false)
	dev, err := m.OpenCapture(SilenceDeviceID)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	if err := dev.Stop(); err != nil {
		t.Fatal(err)
	}

	got := make(chan error, 1)
	go func() {
		frame := make([]int16, FrameSamples)
		got <- dev.ReadFrame(frame)
	}()

	select {
	case err := <-got:
		t.Fatalf("expected stopped device to block, got %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	if err := dev.Start(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("expected frame after restart, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected frame after restart")
	}
}

func TestNullCapture_CloseUnblocksRead(t *testing.T) {
	m := NewNullManager(false)
	dev, err := m.OpenCapture(SilenceDeviceID)
	if err != nil {
		t.Fatal(err)
	}

	dev.Stop()

	got := make(chan error, 1)
	go func() {
		frame := make([]int16, FrameSamples)
		got <- dev.ReadFrame(frame)
	}()

	time.Sleep(5 * time.Millisecond)
	dev.Close()

	select {
	case err := <-got:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF after close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected read to unblock after close")
	}
}

func TestNullPlayback_CountsFrames(t *testing.T) {
	m := NewNullManager(false)
	dev, err := m.OpenPlayback(NullPlaybackID)
	if err != nil {
		t.Fatal(err)
	}

	sink := dev.(*nullPlayback)
	frame := make([]int16, FrameSamples)
	for i := 0; i < 3; i++ {
		if err := dev.WriteFrame(frame); err != nil {
			t.Fatal(err)
		}
	}
	if sink.Frames() != 3 {
		t.Errorf("expected 3 frames, got %d", sink.Frames())
	}

	dev.Close()
	if err := dev.WriteFrame(frame); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after close, got %v", err)
	}
}
