package logstore

import (
	"fmt"
	"testing"
)

func TestStoreBounded(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Add("info", fmt.Sprintf("line %d", i))
	}
	got := s.Recent(0)
	if len(got) != 3 {
		t.Fatalf("kept %d entries", len(got))
	}
	if got[0].Message != "line 2" || got[2].Message != "line 4" {
		t.Errorf("entries = %v", got)
	}
}

func TestRecentLimit(t *testing.T) {
	s := NewStore(10)
	s.Add("info", "a")
	s.Add("warn", "b")
	got := s.Recent(1)
	if len(got) != 1 || got[0].Message != "b" {
		t.Errorf("recent = %v", got)
	}
}

func TestSubscribeReceivesLiveEntries(t *testing.T) {
	s := NewStore(10)
	feed, cancel := s.Subscribe()
	defer cancel()

	s.Add("error", "it broke")
	e := <-feed
	if e.Level != "error" || e.Message != "it broke" {
		t.Errorf("entry = %+v", e)
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	s := NewStore(10)
	feed, cancel := s.Subscribe()
	cancel()
	s.Add("info", "after cancel")
	select {
	case e := <-feed:
		t.Errorf("received %+v after cancel", e)
	default:
	}
}

func TestSinkSplitsLinesAndExtractsLevels(t *testing.T) {
	s := NewStore(10)
	w := s.Writer()

	if _, err := w.Write([]byte("2026/01/02 03:04:05 INFO starting up\npartial ")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("WARN low disk\n")); err != nil {
		t.Fatal(err)
	}

	got := s.Recent(0)
	if len(got) != 2 {
		t.Fatalf("entries = %v", got)
	}
	if got[0].Level != "info" || got[1].Level != "warn" {
		t.Errorf("levels = %q, %q", got[0].Level, got[1].Level)
	}
	if got[1].Message != "partial WARN low disk" {
		t.Errorf("message = %q", got[1].Message)
	}
}

func TestSinkStripsANSI(t *testing.T) {
	s := NewStore(10)
	w := s.Writer()
	if _, err := w.Write([]byte("\x1b[31mERRO\x1b[0m upstream failed\n")); err != nil {
		t.Fatal(err)
	}
	got := s.Recent(0)
	if len(got) != 1 || got[0].Message != "ERRO upstream failed" {
		t.Fatalf("entries = %v", got)
	}
	if got[0].Level != "error" {
		t.Errorf("level = %q", got[0].Level)
	}
}

func TestAddDropsEmptyLines(t *testing.T) {
	s := NewStore(10)
	s.Add("info", "   ")
	if len(s.Recent(0)) != 0 {
		t.Error("blank line stored")
	}
}
