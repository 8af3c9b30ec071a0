package streaming

// BufferPolicy picks the streaming read/write buffer size for an asset.
// Small files get a small buffer for fast first byte; larger files get a
// buffer sized to roughly two seconds of playback at the estimated bitrate,
// clamped between Min and Max.
type BufferPolicy struct {
	// Initial serves files at or below SmallFile.
	Initial int
	// Min and Max clamp the bitrate-derived size.
	Min int
	Max int
	// SmallFile is the size at or below which Initial applies.
	SmallFile int64
}

// DefaultBufferPolicy mirrors the production tuning: 64KiB fast start,
// 256KiB floor, 2MiB cap, with "small" meaning up to 1MiB.
func DefaultBufferPolicy() BufferPolicy {
	return BufferPolicy{
		Initial:   64 * 1024,
		Min:       256 * 1024,
		Max:       2 * 1024 * 1024,
		SmallFile: 1024 * 1024,
	}
}

// BufferSize computes the buffer for a file of the given size. duration is
// the media duration in seconds when known, else 0.
func (p BufferPolicy) BufferSize(size int64, duration float64) int {
	if size <= p.SmallFile {
		return p.Initial
	}
	if duration <= 0 {
		return p.Min
	}

	// size*8/duration is bits per second; two seconds of that in bytes.
	bitsPerSecond := float64(size) * 8 / duration
	buffer := int(bitsPerSecond * 2 / 8)

	if buffer < p.Min {
		return p.Min
	}
	if buffer > p.Max {
		return p.Max
	}
	return buffer
}
