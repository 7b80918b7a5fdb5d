package postprocess

import (
	"math/rand"
	"testing"

	"github.com/nvr-ai/dronewatch/common"
	"github.com/nvr-ai/dronewatch/inference"
	"github.com/nvr-ai/dronewatch/models"
)

// yoloOutput builds an 80-class, 8400-candidate output where roughly one
// candidate in frac clears a 0.5 threshold.
func yoloOutput(b *testing.B, frac int) *inference.RawOutput {
	b.Helper()
	const classes, candidates = 80, 8400
	rng := rand.New(rand.NewSource(1))
	data := make([]float32, (4+classes)*candidates)
	for i := 0; i < candidates; i++ {
		data[i] = rng.Float32() * 640
		data[candidates+i] = rng.Float32() * 640
		data[2*candidates+i] = 10 + rng.Float32()*60
		data[3*candidates+i] = 10 + rng.Float32()*60
		for c := 0; c < classes; c++ {
			data[(4+c)*candidates+i] = rng.Float32() * 0.3
		}
		if i%frac == 0 {
			data[(4+rng.Intn(classes))*candidates+i] = 0.5 + rng.Float32()*0.5
		}
	}
	out, err := inference.NewRawOutput(data, 4+classes, candidates)
	if err != nil {
		b.Fatal(err)
	}
	return out
}

// BenchmarkDecode_Sparse is the common case: a handful of objects in frame.
func BenchmarkDecode_Sparse(b *testing.B) {
	raw := yoloOutput(b, 400)
	dec := NewDecoder(models.DefaultClassTable(), 0.5)
	dst := make([]common.Detection, 0, 64)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		dst, _ = dec.Decode(raw, dst[:0])
	}
}

// BenchmarkDecode_Dense has one candidate in ten above threshold.
func BenchmarkDecode_Dense(b *testing.B) {
	raw := yoloOutput(b, 10)
	dec := NewDecoder(models.DefaultClassTable(), 0.5)
	dst := make([]common.Detection, 0, 1024)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		dst, _ = dec.Decode(raw, dst[:0])
	}
}

// BenchmarkNMS_Dense suppresses the output of a dense decode.
func BenchmarkNMS_Dense(b *testing.B) {
	raw := yoloOutput(b, 10)
	decoded, err := NewDecoder(models.DefaultClassTable(), 0.5).Decode(raw, nil)
	if err != nil {
		b.Fatal(err)
	}
	work := make([]common.Detection, len(decoded))

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		copy(work, decoded)
		_ = ApplyClassAwareNMS(work, 0.45)
	}
}
