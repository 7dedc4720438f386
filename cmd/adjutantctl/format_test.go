package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVisibleLenIgnoresANSI(t *testing.T) {
	plain := "active"
	colored := ColorState(plain)
	if colored == plain {
		t.Fatal("expected active to be colored")
	}
	if got := visibleLen(colored); got != len(plain) {
		t.Fatalf("visibleLen(%q) = %d, want %d", colored, got, len(plain))
	}
}

func TestRenderTableAlignsColoredCells(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []string{"ID", "STATE"}, [][]string{
		{"sched-1", ColorState("active")},
		{"sched-2", ColorState("retry_scheduled")},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, divider and 2 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("header = %q", lines[0])
	}

	// Every row pads to the same visible width.
	width := visibleLen(lines[0])
	for i, line := range lines {
		if got := visibleLen(line); got != width {
			t.Fatalf("line %d visible width = %d, want %d", i, got, width)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("Truncate(short, 10) = %q", got)
	}
	if got := Truncate("a longer summary", 9); len([]rune(got)) != 9 || !strings.HasSuffix(got, "…") {
		t.Fatalf("Truncate = %q", got)
	}
	if got := Truncate("anything", 0); got != "" {
		t.Fatalf("Truncate with zero max = %q", got)
	}
}

func TestStringOrDash(t *testing.T) {
	if got := StringOrDash(nil); got != "-" {
		t.Fatalf("nil = %q", got)
	}
	empty := ""
	if got := StringOrDash(&empty); got != "-" {
		t.Fatalf("empty = %q", got)
	}
	v := "chat"
	if got := StringOrDash(&v); got != "chat" {
		t.Fatalf("value = %q", got)
	}
}

func TestParsePerms(t *testing.T) {
	got := parsePerms("Schedules:Read, schedules:write,schedules:read")
	if len(got) != 2 || got[0] != "schedules:read" || got[1] != "schedules:write" {
		t.Fatalf("parsePerms = %v", got)
	}
}
