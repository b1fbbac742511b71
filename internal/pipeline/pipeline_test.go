package pipeline

import (
	"reflect"
	"testing"
)

func TestFeedNewlines(t *testing.T) {
	t.Parallel()

	var f Framer
	got := f.Feed("first\nsecond\nthird\n", false)
	if want := []string{"first", "second", "third"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Feed() = %q, want %q", got, want)
	}
	if f.HasPartial() {
		t.Error("HasPartial() = true after fully terminated chunk")
	}
}

func TestFeedSplitAcrossChunks(t *testing.T) {
	t.Parallel()

	var f Framer
	if got := f.Feed("hel", false); got != nil {
		t.Fatalf("Feed(hel) = %q, want none", got)
	}
	if !f.HasPartial() {
		t.Fatal("HasPartial() = false, want true")
	}
	got := f.Feed("lo world\n", false)
	if want := []string{"hello world"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Feed() = %q, want %q", got, want)
	}
}

func TestFeedGAFlushesPartial(t *testing.T) {
	t.Parallel()

	var f Framer
	got := f.Feed("Password:", true)
	if want := []string{"Password:"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Feed() = %q, want %q", got, want)
	}
	if f.HasPartial() {
		t.Error("HasPartial() = true after GA flush")
	}
}

func TestFeedGAAfterNewlineNoEmptyLine(t *testing.T) {
	t.Parallel()

	var f Framer
	got := f.Feed("done\n", true)
	if want := []string{"done"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Feed() = %q, want %q", got, want)
	}
}

func TestFlushPartial(t *testing.T) {
	t.Parallel()

	var f Framer
	f.Feed("stuck prompt>", false)
	line, ok := f.FlushPartial()
	if !ok || line != "stuck prompt>" {
		t.Errorf("FlushPartial() = %q, %v, want %q, true", line, ok, "stuck prompt>")
	}
	if _, ok := f.FlushPartial(); ok {
		t.Error("second FlushPartial() = true, want false")
	}
}

func TestCarriageReturnsStripped(t *testing.T) {
	t.Parallel()

	var f Framer
	got := f.Feed("one\r\ntwo\r\n", false)
	if want := []string{"one", "two"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Feed() = %q, want %q", got, want)
	}
}

func TestAnsiCarryAcrossLines(t *testing.T) {
	t.Parallel()

	var f Framer
	got := f.Feed("\x1b[31mred line\nstill red\n\x1b[0mplain\n", false)
	want := []string{
		"\x1b[31mred line",
		"\x1b[31mstill red",
		"\x1b[0mplain",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Feed() = %q, want %q", got, want)
	}

	// The reset cleared the carry, so the next line stays uncolored.
	got = f.Feed("after\n", false)
	if want := []string{"after"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Feed() = %q, want %q", got, want)
	}
}

func TestAnsiCarryThroughPartial(t *testing.T) {
	t.Parallel()

	var f Framer
	f.Feed("\x1b[32mgreen start", false)
	line, ok := f.FlushPartial()
	if !ok || line != "\x1b[32mgreen start" {
		t.Fatalf("FlushPartial() = %q, %v", line, ok)
	}
	got := f.Feed("continues\n", false)
	if want := []string{"\x1b[32mcontinues"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Feed() = %q, want %q", got, want)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	var f Framer
	f.Feed("\x1b[31mhalf", false)
	f.Reset()
	if f.HasPartial() {
		t.Error("HasPartial() = true after Reset")
	}
	got := f.Feed("clean\n", false)
	if want := []string{"clean"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Feed() = %q, want %q", got, want)
	}
}
