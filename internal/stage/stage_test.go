package stage

import "testing"

func TestGetSizeBuckets(t *testing.T) {
	cases := []struct {
		size, wantCap int
	}{
		{1, size128k},
		{size128k, size128k},
		{size128k + 1, size256k},
		{size512k, size512k},
		{size1m, size1m},
		{size1m + 1, size1m + 1},
	}
	for _, c := range cases {
		buf := Get(c.size)
		if len(buf) != c.size {
			t.Errorf("Get(%d): len=%d, want %d", c.size, len(buf), c.size)
		}
		if cap(buf) != c.wantCap {
			t.Errorf("Get(%d): cap=%d, want %d", c.size, cap(buf), c.wantCap)
		}
	}
}

func TestPutReuse(t *testing.T) {
	buf := Get(size128k)
	buf[0] = 0xAB
	Put(buf)

	buf2 := Get(size128k)
	if buf2[0] != 0xAB {
		t.Skip("sync.Pool reuse is not guaranteed, only opportunistic")
	}
}

func TestPutNonStandardCapDropped(t *testing.T) {
	// Should not panic; a >1MB buffer has no matching bucket.
	Put(make([]byte, size1m+10))
}
