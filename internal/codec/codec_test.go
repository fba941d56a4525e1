package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	c := New()
	src := []byte("the quick brown fox jumps over the lazy dog, repeated. " +
		"the quick brown fox jumps over the lazy dog, repeated.")

	dest := make([]byte, len(src)*2+64)
	n, err := c.Compress(dest, src, 6)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	out := make([]byte, len(src))
	m, err := c.Decompress(out, dest[:n])
	require.NoError(t, err)
	require.Equal(t, len(src), m)
	require.Equal(t, src, out[:m])
}

func TestCompressDestTooSmall(t *testing.T) {
	c := New()
	rnd := rand.New(rand.NewSource(1))
	src := make([]byte, 4096)
	rnd.Read(src)

	dest := make([]byte, 4)
	_, err := c.Compress(dest, src, 6)
	require.Error(t, err)
}

func TestCRC32MatchesKnownValue(t *testing.T) {
	c := New()
	require.Equal(t, uint32(0xcbf43926), c.CRC32([]byte("123456789")))
}

func TestCombineCRC32MatchesWholeBufferCRC(t *testing.T) {
	c := New()
	rnd := rand.New(rand.NewSource(2))
	a := make([]byte, 5000)
	b := make([]byte, 3000)
	rnd.Read(a)
	rnd.Read(b)

	whole := c.CRC32(append(append([]byte{}, a...), b...))

	crcA := c.CRC32(a)
	crcB := c.CRC32(b)
	combined := c.CombineCRC32(crcA, crcB, int64(len(b)))

	require.Equal(t, whole, combined)
}

func TestCombineCRC32ZeroLength(t *testing.T) {
	c := New()
	crc1 := c.CRC32([]byte("hello"))
	require.Equal(t, crc1, c.CombineCRC32(crc1, 0, 0))
}

func TestDecompressGzipReadsStandardMember(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte("standard gzip payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	c := New()
	dest := make([]byte, 64)
	n, err := c.DecompressGzip(dest, buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, "standard gzip payload", string(dest[:n]))
}
