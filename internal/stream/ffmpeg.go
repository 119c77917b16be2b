package stream

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// LaunchSpec describes one transcoder run
type LaunchSpec struct {
	SourceURL      string
	Dir            string
	SegmentSeconds int
	ListSize       int
}

// Process is a running transcoder
type Process interface {
	// Done is closed when the process exits; the exit error is
	// available from Err afterwards.
	Done() <-chan struct{}
	Err() error
	Kill() error
}

// Launcher starts transcoder processes
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// FFmpegLauncher runs ffmpeg to repackage a camera feed into an HLS
// playlist with rolling segments.
type FFmpegLauncher struct {
	path   string
	logger *slog.Logger
}

// NewFFmpegLauncher creates a launcher using the given ffmpeg binary
func NewFFmpegLauncher(path string, logger *slog.Logger) *FFmpegLauncher {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegLauncher{
		path:   path,
		logger: logger.With("component", "ffmpeg"),
	}
}

// Launch starts ffmpeg writing index.m3u8 and segment files into spec.Dir
func (l *FFmpegLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	args := buildArgs(spec)

	cmd := exec.CommandContext(ctx, l.path, args...)
	cmd.Dir = spec.Dir

	output := &logWriter{logger: l.logger}
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	l.logger.Info("Transcoder started", "pid", cmd.Process.Pid, "dir", spec.Dir)

	p := &ffmpegProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func buildArgs(spec LaunchSpec) []string {
	args := []string{"-hide_banner", "-loglevel", "warning"}
	if strings.HasPrefix(spec.SourceURL, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args,
		"-fflags", "nobuffer",
		"-i", spec.SourceURL,
		"-an",
		"-c:v", "copy",
		"-f", "hls",
		"-hls_time", strconv.Itoa(spec.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(spec.ListSize),
		"-hls_flags", "delete_segments+round_durations+independent_segments",
		"-hls_segment_filename", filepath.Join(spec.Dir, "segment_%03d.ts"),
		filepath.Join(spec.Dir, ManifestName),
	)
	return args
}

type ffmpegProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *ffmpegProcess) Done() <-chan struct{} { return p.done }

func (p *ffmpegProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Kill forces the process down and waits for it to exit
func (p *ffmpegProcess) Kill() error {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
	return nil
}

// logWriter forwards process output lines to the logger
type logWriter struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line stays buffered for the next write.
			w.buf.WriteString(line)
			break
		}
		if line = strings.TrimSpace(line); line != "" {
			w.logger.Debug("ffmpeg output", "line", line)
		}
	}
	return len(p), nil
}
