package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// Probe is the raw measurement a Prober takes from a media file.
type Probe struct {
	Duration float64
	Width    int
	Height   int
}

// Prober extracts stream measurements and still frames from a local file.
// Injected so the pipeline is testable without ffmpeg on the machine.
type Prober interface {
	Probe(ctx context.Context, localPath string) (Probe, error)
	// Thumbnail writes a single frame sampled at the given offset.
	Thumbnail(ctx context.Context, localPath string, atSeconds float64, outPath string) error
}

// FFmpegProber shells out to ffprobe/ffmpeg.
type FFmpegProber struct {
	FFprobePath string
	FFmpegPath  string
}

// NewFFmpegProber uses binaries from PATH.
func NewFFmpegProber() *FFmpegProber {
	return &FFmpegProber{FFprobePath: "ffprobe", FFmpegPath: "ffmpeg"}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (p *FFmpegProber) Probe(ctx context.Context, localPath string) (Probe, error) {
	cmd := exec.CommandContext(ctx, p.FFprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		localPath,
	)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return Probe{}, fmt.Errorf("ffprobe failed: %w", err)
	}

	var out ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Probe{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	probe := Probe{}
	if out.Format.Duration != "" {
		duration, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err != nil {
			return Probe{}, fmt.Errorf("failed to parse duration %q: %w", out.Format.Duration, err)
		}
		probe.Duration = duration
	}
	for _, stream := range out.Streams {
		if stream.CodecType == "video" && stream.Width > 0 {
			probe.Width = stream.Width
			probe.Height = stream.Height
			break
		}
	}
	return probe, nil
}

func (p *FFmpegProber) Thumbnail(ctx context.Context, localPath string, atSeconds float64, outPath string) error {
	cmd := exec.CommandContext(ctx, p.FFmpegPath,
		"-y",
		"-ss", strconv.FormatFloat(atSeconds, 'f', 3, 64),
		"-i", localPath,
		"-vframes", "1",
		"-q:v", "2",
		outPath,
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg thumbnail failed: %w", err)
	}
	return nil
}
