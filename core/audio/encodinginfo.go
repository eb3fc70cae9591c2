package audio

import "time"

const (
	DefaultSampleRate = 24000
	DefaultFormat     = "linear16"

	// DefaultFrameDuration is the hardware frame boundary shared by capture
	// and playback.
	DefaultFrameDuration = 20 * time.Millisecond
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

// FrameSamples returns the number of samples in one frame of the given
// duration.
func (e EncodingInfo) FrameSamples(duration time.Duration) int {
	return int(float64(e.SampleRate) * duration.Seconds())
}

// FrameBytes returns the byte length of one frame of the given duration.
func (e EncodingInfo) FrameBytes(duration time.Duration) int {
	return e.FrameSamples(duration) * e.Format.ByteSize()
}

// Duration returns the playback duration of a buffer of the given byte
// length.
func (e EncodingInfo) Duration(byteLen int) time.Duration {
	if e.SampleRate == 0 || e.Format.ByteSize() <= 0 {
		return 0
	}
	return time.Duration(float64(byteLen) / float64(e.Format.ByteSize()) / float64(e.SampleRate) * float64(time.Second))
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case encodingFormat("alaw"):
		return 0x55
	case encodingFormat("mulaw"):
		return 0xFF
	case encodingFormat("linear16"):
		return 0
	}

	return 0
}

// SilenceFrame returns a freshly allocated frame of silence of the given
// duration.
func (e EncodingInfo) SilenceFrame(duration time.Duration) []byte {
	frame := make([]byte, e.FrameBytes(duration))
	if v := e.SilenceValue(); v != 0 {
		for i := range frame {
			frame[i] = v
		}
	}
	return frame
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case encodingFormat("mulaw"), encodingFormat("alaw"):
		return 1
	case encodingFormat("linear16"):
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
