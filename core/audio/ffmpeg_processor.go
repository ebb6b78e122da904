package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"Narrato/logger"
)

// ErrMixTimeout is returned when the encoder does not finish within the configured limit.
var ErrMixTimeout = errors.New("audio encoder timed out")

// FFmpegProcessor implements the Processor interface using ffmpeg.
type FFmpegProcessor struct {
	ffmpegPath  string
	ffprobePath string
	bitrate     string
	timeout     time.Duration
}

var _ Processor = (*FFmpegProcessor)(nil)

// NewFFmpegProcessor creates a new FFmpegProcessor. A zero timeout means no limit.
func NewFFmpegProcessor(ffmpegPath, bitrate string, timeout time.Duration) *FFmpegProcessor {
	if bitrate == "" {
		bitrate = "192k"
	}
	return &FFmpegProcessor{
		ffmpegPath:  ffmpegPath,
		ffprobePath: probeBeside(ffmpegPath),
		bitrate:     bitrate,
		timeout:     timeout,
	}
}

// probeBeside names the ffprobe next to ffmpegPath; only the file name is rewritten.
func probeBeside(ffmpegPath string) string {
	dir, name := filepath.Split(ffmpegPath)
	if strings.Contains(name, "ffmpeg") {
		name = strings.Replace(name, "ffmpeg", "ffprobe", 1)
	} else {
		name = "ffprobe"
	}
	return dir + name
}

func formatGain(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// codecArgs picks the encoder from the output extension.
func (p *FFmpegProcessor) codecArgs(output string) []string {
	switch strings.ToLower(filepath.Ext(output)) {
	case ".wav":
		return []string{"-c:a", "pcm_s16le"}
	case ".aac", ".m4a":
		return []string{"-c:a", "aac", "-b:a", p.bitrate}
	default:
		return []string{"-c:a", "libmp3lame", "-b:a", p.bitrate}
	}
}

// MixFilter builds the filter graph: the voice scaled by its gain, every layer
// scaled and looped forever, all summed without amix's automatic normalization
// so the configured gains are the effective ones. duration=first cuts the
// output at the end of the voice.
func MixFilter(spec MixSpec) string {
	var parts []string
	labels := "[a0]"
	parts = append(parts, fmt.Sprintf("[0:a]volume=%s[a0]", formatGain(spec.Voice.Volume)))
	for i, layer := range spec.Layers {
		idx := i + 1
		parts = append(parts, fmt.Sprintf("[%d:a]volume=%s,aloop=loop=-1:size=2e9[a%d]", idx, formatGain(layer.Volume), idx))
		labels += fmt.Sprintf("[a%d]", idx)
	}
	parts = append(parts, fmt.Sprintf("%samix=inputs=%d:duration=first:dropout_transition=0:normalize=0[out]", labels, len(spec.Layers)+1))
	return strings.Join(parts, ";")
}

// MixArgs returns the full ffmpeg argument list for spec.
func (p *FFmpegProcessor) MixArgs(spec MixSpec) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", spec.Voice.Path}
	for _, layer := range spec.Layers {
		args = append(args, "-i", layer.Path)
	}
	args = append(args, "-filter_complex", MixFilter(spec), "-map", "[out]")
	args = append(args, p.codecArgs(spec.Output)...)
	return append(args, spec.Output)
}

// Mix runs the encoder under the configured timeout. Expiry yields ErrMixTimeout.
func (p *FFmpegProcessor) Mix(ctx context.Context, spec MixSpec) error {
	if spec.Voice.Path == "" || spec.Output == "" {
		return fmt.Errorf("mix: voice input and output are required")
	}
	if err := os.MkdirAll(filepath.Dir(spec.Output), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return p.run(ctx, p.MixArgs(spec))
}

// Concat joins inputs with the concat demuxer, copying streams without re-encoding.
func (p *FFmpegProcessor) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("concat: no inputs")
	}
	var list strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return err
		}
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	listFile := output + ".txt"
	if err := os.WriteFile(listFile, []byte(list.String()), 0644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listFile)

	args := []string{"-hide_banner", "-nostdin", "-y", "-f", "concat", "-safe", "0", "-i", listFile, "-c", "copy", output}
	return p.run(ctx, args)
}

func (p *FFmpegProcessor) run(ctx context.Context, args []string) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	// don't block on grandchildren still holding stderr after the kill
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debug("Executing FFmpeg command",
		logger.String("path", p.ffmpegPath),
		logger.String("args", strings.Join(args, " ")))

	start := time.Now()
	err := cmd.Run()
	if err == nil {
		logger.Debug("FFmpeg finished", logger.Duration("elapsed", time.Since(start)))
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrMixTimeout, p.timeout)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("ffmpeg execution failed: %w\nFFmpeg Error: %s", err, tail(stderr.String(), 2000))
}

// tail keeps the end of s, where ffmpeg prints the actual failure.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// ffprobeOutput defines the structure for ffprobe JSON output.
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// GetAudioDuration uses ffprobe to get the duration of an audio file in seconds.
func (p *FFmpegProcessor) GetAudioDuration(ctx context.Context, inputFile string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		inputFile,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe execution failed for %s: %w\nFFprobe Error: %s", inputFile, err, stderr.String())
	}

	var probeData ffprobeOutput
	if err := json.Unmarshal(out.Bytes(), &probeData); err != nil {
		return 0, fmt.Errorf("failed to unmarshal ffprobe output for %s: %w\nFFprobe Output: %s", inputFile, err, out.String())
	}
	if probeData.Format.Duration == "" {
		return 0, fmt.Errorf("duration not found in ffprobe output for %s\nFFprobe Output: %s", inputFile, out.String())
	}

	duration, err := strconv.ParseFloat(probeData.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration string \"%s\" for %s: %w", probeData.Format.Duration, inputFile, err)
	}
	return duration, nil
}
