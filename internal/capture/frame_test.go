package capture

import (
	"sync"
	"testing"

	"gocv.io/x/gocv"
)

func solidMat(v float64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(
		gocv.NewScalar(v, v, v, 0), 48, 64, gocv.MatTypeCV8UC3)
}

func TestLatch_EmptyBeforeFirstPublish(t *testing.T) {
	l := NewLatch()
	defer l.Close()

	if _, ok := l.Latest(); ok {
		t.Error("Latest() = ok before any publish, want none")
	}
	if got := l.Seq(); got != 0 {
		t.Errorf("Seq() = %d, want 0", got)
	}
}

func TestLatch_LastWriteWins(t *testing.T) {
	l := NewLatch()
	defer l.Close()

	for i, v := range []float64{10, 20, 30} {
		m := solidMat(v)
		l.Publish(m)
		m.Close()

		if got := l.Seq(); got != uint64(i+1) {
			t.Fatalf("after publish %d: Seq() = %d, want %d", i+1, got, i+1)
		}
	}

	f, ok := l.Latest()
	if !ok {
		t.Fatal("Latest() returned no frame after publishes")
	}
	defer f.Close()

	if f.Seq != 3 {
		t.Errorf("frame Seq = %d, want 3", f.Seq)
	}
	mean := f.Mat.Mean()
	if mean.Val1 < 29 || mean.Val1 > 31 {
		t.Errorf("frame brightness = %.1f, want the last-published 30", mean.Val1)
	}
}

func TestLatch_CopyIndependence(t *testing.T) {
	l := NewLatch()
	defer l.Close()

	m := solidMat(100)
	l.Publish(m)
	m.Close()

	f, ok := l.Latest()
	if !ok {
		t.Fatal("Latest() returned no frame")
	}
	defer f.Close()

	// Mutating the reader's copy must not affect the slot.
	f.Mat.SetTo(gocv.NewScalar(0, 0, 0, 0))

	g, ok := l.Latest()
	if !ok {
		t.Fatal("second Latest() returned no frame")
	}
	defer g.Close()

	mean := g.Mat.Mean()
	if mean.Val1 < 99 || mean.Val1 > 101 {
		t.Errorf("slot brightness = %.1f after reader mutation, want 100", mean.Val1)
	}
}

func TestLatch_ConcurrentReadWrite(t *testing.T) {
	l := NewLatch()
	defer l.Close()

	const writes = 200
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			m := solidMat(float64(i % 255))
			l.Publish(m)
			m.Close()
		}
	}()

	wg.Add(2)
	for r := 0; r < 2; r++ {
		go func() {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				f, ok := l.Latest()
				if !ok {
					continue
				}
				if f.Mat.Empty() {
					t.Error("reader observed an empty frame")
				}
				f.Close()
			}
		}()
	}

	wg.Wait()

	if got := l.Seq(); got != writes {
		t.Errorf("Seq() = %d, want %d", got, writes)
	}
}

func TestFrame_Clone(t *testing.T) {
	m := solidMat(50)
	f := Frame{Mat: m, Seq: 7}

	c := f.Clone()
	defer c.Close()
	f.Close()

	if c.Seq != 7 {
		t.Errorf("clone Seq = %d, want 7", c.Seq)
	}
	if c.Mat.Empty() {
		t.Error("clone Mat is empty after original was closed")
	}
}

func TestMockSource_ScriptExhaustion(t *testing.T) {
	src := NewMockSource(UniformScript(3, 128), false)
	if err := src.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		f, ok := src.Latest()
		if !ok {
			t.Fatalf("frame %d: Latest() returned no frame", i)
		}
		if f.Seq != uint64(i+1) {
			t.Errorf("frame %d: Seq = %d, want %d", i, f.Seq, i+1)
		}
		f.Close()
	}

	if _, ok := src.Latest(); ok {
		t.Error("Latest() returned a frame past the end of the script")
	}

	src.Stop()
	src.Stop()
	if got := src.Stops(); got != 1 {
		t.Errorf("Stops() = %d, want 1 (release must run exactly once)", got)
	}
}
