package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload() []byte {
	return bytes.Repeat([]byte(`{"spec":{"dtype":"float64","shape":[4]},"value":[0.1,0.2,0.3,0.4]}`), 50)
}

func TestRoundTripAllAlgorithms(t *testing.T) {
	algorithms := []Algorithm{None, Gzip, Snappy, LZ4, Zstd, S2}
	original := testPayload()

	for _, algorithm := range algorithms {
		t.Run(string(algorithm), func(t *testing.T) {
			compressor, err := NewCompressor(&Config{Algorithm: algorithm, Level: Default})
			require.NoError(t, err)
			assert.Equal(t, algorithm, compressor.Algorithm())

			compressed, err := compressor.Compress(original)
			require.NoError(t, err)

			decompressed, err := compressor.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, original, decompressed)
		})
	}
}

func TestCompressionLevels(t *testing.T) {
	levels := []Level{Fastest, Default, Better, Best}
	original := testPayload()

	for _, algorithm := range []Algorithm{Gzip, LZ4, Zstd} {
		for _, level := range levels {
			compressor, err := NewCompressor(&Config{Algorithm: algorithm, Level: level})
			require.NoError(t, err)
			assert.Equal(t, level, compressor.Level())

			compressed, err := compressor.Compress(original)
			require.NoError(t, err)
			decompressed, err := compressor.Decompress(compressed)
			require.NoError(t, err)
			require.Equal(t, original, decompressed)
		}
	}
}

func TestRepetitivePayloadShrinks(t *testing.T) {
	original := testPayload()

	for _, algorithm := range []Algorithm{Gzip, Snappy, LZ4, Zstd, S2} {
		compressor, err := NewCompressor(&Config{Algorithm: algorithm, Level: Default})
		require.NoError(t, err)

		compressed, err := compressor.Compress(original)
		require.NoError(t, err)
		assert.Less(t, len(compressed), len(original), "algorithm %s", algorithm)
	}
}

func TestEmptyInput(t *testing.T) {
	for _, algorithm := range []Algorithm{None, Gzip, Snappy, LZ4, Zstd, S2} {
		compressor, err := NewCompressor(&Config{Algorithm: algorithm, Level: Default})
		require.NoError(t, err)

		compressed, err := compressor.Compress([]byte{})
		require.NoError(t, err)
		decompressed, err := compressor.Decompress(compressed)
		require.NoError(t, err)
		assert.Empty(t, decompressed)
	}
}

func TestNilConfigUsesDefault(t *testing.T) {
	compressor, err := NewCompressor(nil)
	require.NoError(t, err)
	assert.Equal(t, Snappy, compressor.Algorithm())
}

func TestUnknownAlgorithm(t *testing.T) {
	_, err := NewCompressor(&Config{Algorithm: "brotli", Level: Default})
	require.Error(t, err)
}

func TestConcurrentUse(t *testing.T) {
	compressor, err := NewCompressor(&Config{Algorithm: Zstd, Level: Default})
	require.NoError(t, err)

	original := testPayload()
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				compressed, err := compressor.Compress(original)
				if err != nil {
					done <- err
					return
				}
				decompressed, err := compressor.Decompress(compressed)
				if err != nil {
					done <- err
					return
				}
				if !bytes.Equal(original, decompressed) {
					done <- assert.AnError
					return
				}
			}
			done <- nil
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
}
