package progress

import "testing"

func TestSummaryFormatsPercentage(t *testing.T) {
	got := Summary(5, 20)
	want := "5/20 pieces (25.0%)"
	if got != want {
		t.Fatalf("Summary = %q, want %q", got, want)
	}
}

func TestSummaryZeroTotal(t *testing.T) {
	got := Summary(0, 0)
	want := "0/0 pieces (0.0%)"
	if got != want {
		t.Fatalf("Summary = %q, want %q", got, want)
	}
}

func TestNewAndPieceDone(t *testing.T) {
	var buf writerStub
	bar := New(&buf, "test.torrent", 4)
	bar.PieceDone()
	bar.PieceDone()
	bar.Finish()
}

type writerStub struct{}

func (writerStub) Write(p []byte) (int, error) { return len(p), nil }
