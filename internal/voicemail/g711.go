package voicemail

import "math"

// G.711 decode tables, indexed by the encoded byte.
var (
	ulawDecode [256]int16
	alawDecode [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		ulawDecode[i] = decodeUlaw(uint8(i))
		alawDecode[i] = decodeAlaw(uint8(i))
	}
}

// Segment end points of the companding curves.
var (
	ulawSegEnd = [8]int{0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF}
	alawSegEnd = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}
)

func segment(v int, ends *[8]int) int {
	for i, e := range ends {
		if v <= e {
			return i
		}
	}
	return len(ends)
}

// decodeUlaw converts a u-law byte to a 16-bit linear PCM sample.
func decodeUlaw(u uint8) int16 {
	u = ^u
	t := (int(u&0x0F) << 3) + 0x84
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return int16(0x84 - t)
	}
	return int16(t - 0x84)
}

// encodeUlaw converts a 16-bit linear PCM sample to a u-law byte.
func encodeUlaw(sample int16) uint8 {
	const clip = 8159
	v := int(sample) >> 2
	mask := 0xFF
	if v < 0 {
		v = -v
		mask = 0x7F
	}
	if v > clip {
		v = clip
	}
	v += 0x84 >> 2

	seg := segment(v, &ulawSegEnd)
	if seg >= 8 {
		return uint8(0x7F ^ mask)
	}
	return uint8(((seg << 4) | ((v >> (seg + 1)) & 0x0F)) ^ mask)
}

// decodeAlaw converts an a-law byte to a 16-bit linear PCM sample.
func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	t := int(a&0x0F) << 4
	seg := int(a&0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

// encodeAlaw converts a 16-bit linear PCM sample to an a-law byte.
func encodeAlaw(sample int16) uint8 {
	v := int(sample) >> 3
	mask := 0xD5
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}

	seg := segment(v, &alawSegEnd)
	if seg >= 8 {
		return uint8(0x7F ^ mask)
	}
	aval := seg << 4
	if seg < 2 {
		aval |= (v >> 1) & 0x0F
	} else {
		aval |= (v >> seg) & 0x0F
	}
	return uint8(aval ^ mask)
}

// applyGain scales G.711 samples in place by gainDB decibels.
func applyGain(buf []byte, format uint16, gainDB float64) {
	if gainDB == 0 {
		return
	}
	factor := math.Pow(10, gainDB/20)
	for i, b := range buf {
		var s int16
		if format == wavFormatPCMA {
			s = alawDecode[b]
		} else {
			s = ulawDecode[b]
		}
		v := math.Round(float64(s) * factor)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		if format == wavFormatPCMA {
			buf[i] = encodeAlaw(int16(v))
		} else {
			buf[i] = encodeUlaw(int16(v))
		}
	}
}
