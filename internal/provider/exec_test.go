package provider

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/4hmed7ounas/wraith-camera-module/internal/detect"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skipping sidecar test on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "sidecar.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func testFrame(t *testing.T) gocv.Mat {
	t.Helper()
	return gocv.NewMatWithSizeFromScalar(
		gocv.NewScalar(64, 64, 64, 0), 48, 64, gocv.MatTypeCV8UC3)
}

func TestExecProvider_Detect(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
cat <<'EOF'
{"detections":[{"box":[10,20,110,220],"confidence":0.9,"label":"person"}]}
EOF
`)

	p := NewExecProvider(detect.KindObject, script, nil, time.Second)
	frame := testFrame(t)
	defer frame.Close()

	dets, err := p.Detect(&frame)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	if len(dets) != 1 {
		t.Fatalf("detections = %d, want 1", len(dets))
	}
	d := dets[0]
	if d.Kind != detect.KindObject {
		t.Errorf("Kind = %v, want %v", d.Kind, detect.KindObject)
	}
	if d.Label != "person" {
		t.Errorf("Label = %q, want %q", d.Label, "person")
	}
	if d.Box.Min.X != 10 || d.Box.Min.Y != 20 || d.Box.Max.X != 110 || d.Box.Max.Y != 220 {
		t.Errorf("Box = %v, want (10,20)-(110,220)", d.Box)
	}
	if d.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", d.Confidence)
	}
}

func TestExecProvider_EmptyDetections(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"detections":[]}'
`)

	p := NewExecProvider(detect.KindText, script, nil, time.Second)
	frame := testFrame(t)
	defer frame.Close()

	dets, err := p.Detect(&frame)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("detections = %d, want 0", len(dets))
	}
}

func TestExecProvider_SidecarError(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"detections":[],"error":"model not loaded"}'
`)

	p := NewExecProvider(detect.KindIdentity, script, nil, time.Second)
	frame := testFrame(t)
	defer frame.Close()

	_, err := p.Detect(&frame)
	if err == nil {
		t.Fatal("Detect() error = nil, want sidecar error")
	}
	if !strings.Contains(err.Error(), "model not loaded") {
		t.Errorf("error %q does not carry the sidecar message", err.Error())
	}
}

func TestExecProvider_Timeout(t *testing.T) {
	script := writeScript(t, `sleep 5
echo '{"detections":[]}'
`)

	p := NewExecProvider(detect.KindObject, script, nil, 100*time.Millisecond)
	frame := testFrame(t)
	defer frame.Close()

	start := time.Now()
	_, err := p.Detect(&frame)
	if err == nil {
		t.Fatal("Detect() error = nil, want timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Detect() took %v, timeout did not bound the call", elapsed)
	}
}

func TestExecProvider_MalformedResponse(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo 'not json'
`)

	p := NewExecProvider(detect.KindObject, script, nil, time.Second)
	frame := testFrame(t)
	defer frame.Close()

	if _, err := p.Detect(&frame); err == nil {
		t.Fatal("Detect() error = nil, want parse error")
	}
}
