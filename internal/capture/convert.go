// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/ManuGH/lsdvr/internal/config"
)

// ErrInsufficientSpace distinguishes a skipped conversion from a broken
// one. The raw capture survives either way, but only a remux failure
// marks the session failed.
var ErrInsufficientSpace = errors.New("not enough free space for conversion")

// RemuxInput describes one container conversion.
type RemuxInput struct {
	InputPath  string
	OutputPath string
	// MetadataPath, when set, is an ffmpeg metadata file whose chapters
	// are mapped into the output.
	MetadataPath string
	// AudioOnly skips the ADTS-to-ASC bitstream filter, which only
	// applies when packing AAC from MPEG-TS into an MP4-family video
	// container.
	AudioOnly bool
}

// RemuxArgs builds the ffmpeg invocation for a lossless container change.
func RemuxArgs(in RemuxInput) []string {
	args := []string{"-i", in.InputPath}
	if in.MetadataPath != "" {
		args = append(args, "-i", in.MetadataPath, "-map_metadata", "1")
	}
	args = append(args, "-c", "copy")
	if !in.AudioOnly {
		args = append(args, "-bsf:a", "aac_adtstoasc")
	}
	if filepath.Ext(in.OutputPath) == ".mp4" {
		args = append(args, "-movflags", "faststart")
	}
	args = append(args, "-y", in.OutputPath)
	return args
}

// ensureFreeSpace verifies the filesystem holding path can absorb another
// copy of a file of the given size, plus slack for the metadata rewrite.
func ensureFreeSpace(path string, need uint64) error {
	usage, err := disk.Usage(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("check free space for %s: %w", path, err)
	}
	if usage.Free < need+(64<<20) {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrInsufficientSpace, need, usage.Free)
	}
	return nil
}

// fileSize returns the size of path, zero when absent.
func fileSize(path string) uint64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}

// containerFor picks the output container for the configured quality.
func containerFor(cfg *config.Config, quality string) string {
	if quality == "audio_only" {
		return config.AudioContainer
	}
	return cfg.VOD.Container
}
