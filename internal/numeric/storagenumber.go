// Package numeric implements the compact 32-bit encoding used to move
// collected samples between the storage layer and the anomaly detection
// pipeline: a status nibble (exists/reset/anomalous/sign), a decimal
// scaling exponent, and a fixed-point magnitude.
//
// The bit layout is grounded on the unpack routine copied twice into the
// original ml/Window.cc and ml/Unit.cc (both named unpack_storage_number_dbl):
// one status/sign/exponent byte followed by a magnitude in the low bits.
// This package widens that idea by one bit to also carry the anomalous
// flag mentioned in the data model, and defines its own encoder (the
// original C++ never needed one, since values arrived pre-packed from the
// round-robin database). Round-trip fidelity is scoped to this package's
// own encode/decode pair, not byte-for-byte compatibility with any other
// implementation (see spec's Non-goals).
package numeric

import "math"

// StorageNumber is a packed scalar plus status flags.
type StorageNumber uint32

const (
	bitExists    = 31
	bitReset     = 30
	bitAnomalous = 29
	bitSign      = 28
	bitExpMul    = 27 // 1: decode multiplies by factor^exp, 0: decode divides
	bitFactor100 = 23 // 1: factor is 100, 0: factor is 10

	shiftExp = 24 // 3 bits, values 0..7
	maskExp  = 0x7

	magnitudeBits = 23
	maxMagnitude  = (1 << magnitudeBits) - 1
)

// Exists reports whether the encoded sample represents a collected value
// as opposed to a gap in collection.
func (sn StorageNumber) Exists() bool { return sn&(1<<bitExists) != 0 }

// Reset reports whether the source counter wrapped or was reset when this
// sample was collected.
func (sn StorageNumber) Reset() bool { return sn&(1<<bitReset) != 0 }

// Anomalous reports the collector-side anomalous flag carried alongside
// the value (distinct from this system's own derived anomaly bit).
func (sn StorageNumber) Anomalous() bool { return sn&(1<<bitAnomalous) != 0 }

// Decode unpacks the real value. Decoding is total: every 32-bit pattern,
// including all-zero, decodes to some finite real (zero for the all-zero
// pattern), independent of the Exists flag.
func (sn StorageNumber) Decode() float64 {
	sign := sn&(1<<bitSign) != 0
	expMultiply := sn&(1<<bitExpMul) != 0
	factor := 10.0
	if sn&(1<<bitFactor100) != 0 {
		factor = 100.0
	}
	exp := int((sn >> shiftExp) & maskExp)
	magnitude := float64(sn & maxMagnitude)

	scale := math.Pow(factor, float64(exp))
	value := magnitude
	if expMultiply {
		value *= scale
	} else if scale != 0 {
		value /= scale
	}
	if sign {
		value = -value
	}
	return value
}

// Encode packs a real value plus status flags into a StorageNumber.
// Magnitude is quantized to 23 bits scaled by a power of 100 (the encoder
// always sets the factor-100 bit); values outside the representable
// range are clamped to the nearest representable magnitude, trading
// precision for a total, panic-free encoder.
func Encode(value float64, exists, reset, anomalous bool) StorageNumber {
	var sn StorageNumber
	if exists {
		sn |= 1 << bitExists
	}
	if reset {
		sn |= 1 << bitReset
	}
	if anomalous {
		sn |= 1 << bitAnomalous
	}

	sign := value < 0
	av := math.Abs(value)

	factor := 100.0
	sn |= 1 << bitFactor100

	exp, expMultiply, magnitude := quantize(av, factor)

	sn |= StorageNumber(exp&maskExp) << shiftExp
	if expMultiply {
		sn |= 1 << bitExpMul
	}
	if sign && magnitude != 0 {
		sn |= 1 << bitSign
	}
	sn |= StorageNumber(magnitude) & maxMagnitude

	return sn
}

// quantize finds an exponent in [0,7] that keeps av's magnitude within the
// 23-bit budget, preferring exp=0 (no scaling) whenever av already fits.
// expMultiply reports the direction Decode must apply to recover av: true
// scales up (av was divided down during encoding because it was too
// large), false scales down (av was multiplied up during encoding to gain
// fractional precision because it was smaller than 1).
func quantize(av, factor float64) (exp int, expMultiply bool, magnitude uint32) {
	switch {
	case av == 0:
		return 0, true, 0
	case av < 1:
		// Largest exponent whose scaled value still fits keeps the most
		// fractional digits.
		for e := 7; e >= 1; e-- {
			scaled := av * math.Pow(factor, float64(e))
			if scaled <= maxMagnitude {
				return e, false, uint32(math.Round(scaled))
			}
		}
		return 1, false, uint32(math.Round(av * factor))
	case av <= maxMagnitude:
		return 0, true, uint32(math.Round(av))
	default: // av > maxMagnitude
		for e := 1; e <= 7; e++ {
			scaled := av / math.Pow(factor, float64(e))
			if scaled <= maxMagnitude {
				return e, true, uint32(math.Round(scaled))
			}
		}
		return 7, true, maxMagnitude
	}
}
