package audio

// G.711 companding used on phone media streams.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawToLinear expands one μ-law byte.
func MulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := ((int(mant) << 3) + mulawBias) << exp
	value -= mulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// LinearToMulaw compresses one sample to μ-law.
func LinearToMulaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exp := 7
	for mask := 0x4000; s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := (s >> (exp + 3)) & 0x0F
	return ^byte(sign | exp<<4 | mant)
}

// AlawToLinear expands one A-law byte.
func AlawToLinear(a byte) int16 {
	a ^= 0x55
	sign := a & 0x80
	exp := (a >> 4) & 0x07
	mant := a & 0x0F
	var value int
	if exp != 0 {
		value = (int(mant)<<4 + 0x108) << (exp - 1)
	} else {
		value = int(mant)<<4 + 8
	}
	if sign == 0 {
		return int16(-value)
	}
	return int16(value)
}

var alawSegEnd = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

// LinearToAlaw compresses one sample to A-law.
func LinearToAlaw(sample int16) byte {
	pcm := int(sample) >> 3
	mask := byte(0xD5)
	if pcm < 0 {
		mask = 0x55
		pcm = -pcm - 1
	}

	seg := 0
	for seg < len(alawSegEnd) && pcm > alawSegEnd[seg] {
		seg++
	}
	if seg >= len(alawSegEnd) {
		return 0x7F ^ mask
	}

	aval := byte(seg << 4)
	if seg < 2 {
		aval |= byte(pcm>>1) & 0x0F
	} else {
		aval |= byte(pcm>>seg) & 0x0F
	}
	return aval ^ mask
}

// DecodeMulaw expands a μ-law buffer.
func DecodeMulaw(b []byte) []int16 {
	out := make([]int16, len(b))
	for i, v := range b {
		out[i] = MulawToLinear(v)
	}
	return out
}

// EncodeMulaw compresses PCM16 samples.
func EncodeMulaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = LinearToMulaw(s)
	}
	return out
}

// DecodeAlaw expands an A-law buffer.
func DecodeAlaw(b []byte) []int16 {
	out := make([]int16, len(b))
	for i, v := range b {
		out[i] = AlawToLinear(v)
	}
	return out
}

// EncodeAlaw compresses PCM16 samples.
func EncodeAlaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = LinearToAlaw(s)
	}
	return out
}
