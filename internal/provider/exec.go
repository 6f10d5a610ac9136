package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"gocv.io/x/gocv"

	"github.com/4hmed7ounas/wraith-camera-module/internal/detect"
)

// DefaultTimeout bounds one sidecar invocation. A stage that exceeds
// it is treated as a failed invocation for that frame only.
const DefaultTimeout = 5 * time.Second

// ErrSidecar wraps a non-empty error field in a sidecar response.
var ErrSidecar = errors.New("sidecar reported error")

// ExecProvider implements detect.Capability by invoking an external
// command once per live detection.
type ExecProvider struct {
	kind    detect.Kind
	command string
	args    []string
	timeout time.Duration
}

// NewExecProvider creates a provider for the given kind and command.
func NewExecProvider(kind detect.Kind, command string, args []string, timeout time.Duration) *ExecProvider {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ExecProvider{
		kind:    kind,
		command: command,
		args:    args,
		timeout: timeout,
	}
}

// Detect encodes the frame, runs the sidecar, and maps its results.
func (p *ExecProvider) Detect(frame *gocv.Mat) ([]detect.Detection, error) {
	buf, err := gocv.IMEncode(".jpg", *frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	jpeg := make([]byte, len(buf.GetBytes()))
	copy(jpeg, buf.GetBytes())
	buf.Close()

	req := &Request{
		Kind:   p.kind.String(),
		Width:  frame.Cols(),
		Height: frame.Rows(),
		Image:  encodeImage(jpeg),
	}
	resp, err := p.run(req)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrSidecar, resp.Error)
	}

	dets := make([]detect.Detection, 0, len(resp.Detections))
	for _, r := range resp.Detections {
		dets = append(dets, detect.Detection{
			Box:        r.Rect(),
			Confidence: r.Confidence,
			Label:      r.Label,
			Kind:       p.kind,
			Feature:    r.Feature,
		})
	}
	return dets, nil
}

// run executes one sidecar invocation under the provider timeout,
// request on stdin and response on stdout.
func (p *ExecProvider) run(req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.command, p.args...)

	reqJSON, err := marshalRequest(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	cmd.Stdin = bytes.NewReader(reqJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%s sidecar timeout after %v", p.kind, p.timeout)
	}
	if err != nil {
		if s := stderr.String(); s != "" {
			return nil, fmt.Errorf("%s sidecar failed: %w, stderr: %s", p.kind, err, s)
		}
		return nil, fmt.Errorf("%s sidecar failed: %w", p.kind, err)
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("parse %s sidecar response: %w", p.kind, err)
	}
	return &resp, nil
}

// Close is a no-op; sidecars are one-shot processes.
func (p *ExecProvider) Close() error {
	return nil
}
