package gradientjob

import (
	"encoding/binary"
	"math"

	"golang.org/x/xerrors"
)

// Wire framing for the per-task result tuple (grad_i, g2_i, gstep_i):
// three doubles per task. Kept local to this package since job.Job's
// result bytes are opaque to taskmanager.
func marshalTriple(t [3]float64) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(t[0]))
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(t[1]))
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(t[2]))
	return buf
}

func unmarshalTriple(b []byte) ([3]float64, error) {
	if len(b) != 24 {
		return [3]float64{}, xerrors.Errorf("gradientjob: malformed result tuple (%d bytes)", len(b))
	}
	return [3]float64{
		math.Float64frombits(binary.LittleEndian.Uint64(b[0:8])),
		math.Float64frombits(binary.LittleEndian.Uint64(b[8:16])),
		math.Float64frombits(binary.LittleEndian.Uint64(b[16:24])),
	}, nil
}

func marshalUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func unmarshalUint32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, xerrors.Errorf("gradientjob: malformed uint32 payload (%d bytes)", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}
