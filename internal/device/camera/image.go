package camera

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nerrad567/astro-devsim/internal/device"
)

// Frame describes the image to synthesize.
type Frame struct {
	Width    int
	Height   int
	BitDepth int
	Gain     int
	Offset   int
	Exposure float64
	Light    bool
}

// Size returns the buffer length in bytes.
func (f Frame) Size() int {
	return f.Width * f.Height * bytesPerPixel(f.BitDepth)
}

// Synthesizer produces the raw buffer for a frame.
type Synthesizer func(frame Frame, rng device.Random) ([]byte, error)

func bytesPerPixel(bitDepth int) int {
	if bitDepth <= 8 {
		return 1
	}
	return 2
}

// NoiseFrame fills a little-endian buffer with bias, dark current, sky
// background and read noise. There is no optical content.
func NoiseFrame(frame Frame, rng device.Random) ([]byte, error) {
	if frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", frame.Width, frame.Height)
	}

	maxADU := float64(int(1)<<frame.BitDepth - 1)
	gain := 1 + float64(frame.Gain)/100
	bias := float64(frame.Offset) * 10
	mean := bias + 0.02*frame.Exposure*gain
	if frame.Light {
		mean += 40 * frame.Exposure * gain
	}
	sigma := 3*gain + math.Sqrt(math.Max(mean-bias, 0))

	bpp := bytesPerPixel(frame.BitDepth)
	buf := make([]byte, frame.Size())
	for i := 0; i < frame.Width*frame.Height; i++ {
		v := clamp(mean+sigma*rng.NormFloat64(), 0, maxADU)
		if bpp == 1 {
			buf[i] = byte(v)
			continue
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf, nil
}
