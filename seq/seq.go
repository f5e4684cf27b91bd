// Package seq generates the pseudorandom longword sequence produced by the demo
// design's hardware RNG. The generator is a 1024-bit register of bit-wide FIFOs with
// a sparse XOR feedback network, derived deterministically from a small LCG seed, so
// the host can predict every word the device sends and every word it expects.
package seq

import "sync"

// Generator parameters of the demo design.
const (
	stateBits = 1024   // n: state register width
	outBits   = 32     // r: output bits per step
	xorTaps   = 5      // t: taps per output bit
	maxFIFO   = 32     // maxk: longest bit-wide FIFO
	lcgSeed   = 0x1c48 // s: network construction seed
)

// loadSeed is shifted into the state register, last bit first, before the first
// word is produced.
const loadSeed = "" +
	"0110110000010010111101011010111010011010000010100011100111110100" +
	"1100010011110111010011011010100110000110100000100101100101001110" +
	"0110110110100110001011101011101110001011001111101001110011000011" +
	"1010010000010011111101011111100001011001000010001001010100110001" +
	"0010001100010010011011010111011001101111110000110100110111111010" +
	"0010101110011010010100010101011101101110000111011110001110001000" +
	"0011000110000111111011111000011100111110011110010010110101111101" +
	"1101111100100000011011011010001000111101010010000000000100100001" +
	"1010111110010011000101100111100111110110110101110110100111100000" +
	"1000100011010010011111011000100100011101000000100010000010011011" +
	"1101001001110010011100001000101100000010100000010110110111110110" +
	"1000110001010110000000001001110111100101111001100000100000100000" +
	"1001110100001100100111000100110010101010011100000001110010110011" +
	"1110101101100111110100000101000111101010101000111010011010110111" +
	"1111111010111001000101110001100001000010110000010100101010111010" +
	"1011100010010101001011110101110001111000110100000110101100111101"

var _ [len(loadSeed) - stateBits]struct{}
var _ [stateBits - len(loadSeed)]struct{}

// network is the generator's fixed wiring.
type network struct {
	taps    [stateBits][]uint16 // xor inputs of each state bit
	cycle   [stateBits]uint16   // load-mode input of each state bit
	perm    [outBits]uint16     // state bit driving each output bit
	seedTap int                 // state bit fed by the load input
}

type lcg uint32

func (s *lcg) next() int {
	*s = 1664525*(*s) + 1013904223
	return int(*s >> 16)
}

func (s *lcg) permute(p []uint16) {
	for j := len(p); j > 1; j-- {
		k := s.next() % j
		p[j-1], p[k] = p[k], p[j-1]
	}
}

func newNetwork() *network {
	var (
		nw      network
		s       = lcg(lcgSeed)
		outputs [outBits]uint16
		fifoLen [outBits]int
	)

	for i := 0; i < outBits; i++ {
		nw.cycle[i] = uint16((i + 1) % outBits)
		nw.perm[i] = nw.cycle[i]
	}

	outputs = nw.perm

	// extend the bit-wide fifos out to the full register
	for i := outBits; i < stateBits; i++ {
		bit := s.next() % outBits
		for fifoLen[bit] >= maxFIFO {
			bit = s.next() % outBits
		}

		nw.cycle[i] = uint16(i)
		nw.cycle[i], nw.cycle[bit] = nw.cycle[bit], nw.cycle[i]
		outputs[bit] = uint16(i)
		fifoLen[bit]++
	}

	for i := range nw.taps {
		nw.taps[i] = []uint16{nw.cycle[i]}
	}

	for j := 1; j < xorTaps; j++ {
		s.permute(outputs[:])
		for i := 0; i < outBits; i++ {
			nw.taps[i] = addTap(nw.taps[i], outputs[i])
			if len(nw.taps[i]) < len(nw.taps[nw.seedTap]) {
				nw.seedTap = i
			}
		}
	}

	s.permute(nw.perm[:])
	return &nw
}

// addTap adds t to the set taps. A bit xor'd twice would cancel out, so taps never
// holds duplicates.
func addTap(taps []uint16, t uint16) []uint16 {
	for _, x := range taps {
		if x == t {
			return taps
		}
	}

	return append(taps, t)
}

var (
	wiring     *network
	wiringOnce sync.Once
)

func demoNetwork() *network {
	wiringOnce.Do(func() { wiring = newNetwork() })
	return wiring
}

// Stream is a position in the sequence. It isn't safe for concurrent use.
type Stream struct {
	nw   *network
	cs   [stateBits]byte
	ns   [stateBits]byte
	word uint32
}

// New returns a stream positioned at the first word of the sequence.
func New() *Stream {
	s := &Stream{nw: demoNetwork()}
	s.Reset()
	return s
}

// Reset rewinds s to the first word.
func (s *Stream) Reset() {
	for i := range s.cs {
		s.cs[i] = 1
	}

	for i := stateBits - 1; i >= 0; i-- {
		s.load(loadSeed[i] - '0')
	}

	s.latch()
}

// Uint32 returns the next longword.
func (s *Stream) Uint32() uint32 {
	w := s.word
	s.step()
	s.latch()
	return w
}

// Uint64 returns the next two longwords, the first in the high half.
func (s *Stream) Uint64() uint64 {
	hi := s.Uint32()
	return uint64(hi)<<32 | uint64(s.Uint32())
}

// Fill sets every element of words to the next value of Uint64.
func (s *Stream) Fill(words []uint64) {
	for i := range words {
		words[i] = s.Uint64()
	}
}

// load clocks the register in load mode, shifting in bit.
func (s *Stream) load(bit byte) {
	for i := range s.ns {
		if i == s.nw.seedTap {
			s.ns[i] = bit
		} else {
			s.ns[i] = s.cs[s.nw.cycle[i]]
		}
	}

	s.cs = s.ns
}

// step clocks the register in RNG mode.
func (s *Stream) step() {
	for i := range s.ns {
		var b byte
		for _, t := range s.nw.taps[i] {
			b ^= s.cs[t]
		}

		s.ns[i] = b
	}

	s.cs = s.ns
}

// latch captures the permuted output bits as the current word.
func (s *Stream) latch() {
	var w uint32
	for i := outBits - 1; i >= 0; i-- {
		w = w<<1 | uint32(s.cs[s.nw.perm[i]])
	}

	s.word = w
}
