package ring

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pktlat-platform/pktlat/common/go/xerror"
)

func TestRoundUpPow2(t *testing.T) {
	assert.Equal(t, uint32(1), roundUpPow2(0))
	assert.Equal(t, uint32(1), roundUpPow2(1))
	assert.Equal(t, uint32(4), roundUpPow2(3))
	assert.Equal(t, uint32(4), roundUpPow2(4))
	assert.Equal(t, uint32(8), roundUpPow2(5))
	assert.Equal(t, uint32(16384), roundUpPow2(16384))
	assert.Equal(t, uint32(32768), roundUpPow2(16385))
}

func TestPutGet(t *testing.T) {
	r, err := New(64)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, 5, r.Put([]byte("hello")))

	buf := make([]byte, 16)
	n := r.Get(buf)
	require.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), buf[:n])

	// Empty again.
	assert.Equal(t, 0, r.Get(buf))
}

func TestPutRejectsWhenFull(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)
	defer r.Close()

	// Capacity is size-1: a 5-byte item can never fit in a 4-byte ring.
	assert.Equal(t, 0, r.Put([]byte{1, 2, 3, 4, 5}))
	assert.Equal(t, 0, r.Get(make([]byte, 8)))

	// The last byte is never filled.
	assert.Equal(t, 3, r.Put([]byte{1, 2, 3}))
	assert.Equal(t, 0, r.Put([]byte{4}))
}

func TestWrapAround(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 8)

	// Advance positions close to the boundary, then cross it.
	require.Equal(t, 6, r.Put([]byte{0, 1, 2, 3, 4, 5}))
	require.Equal(t, 6, r.Get(buf))

	payload := []byte{10, 11, 12, 13, 14}
	require.Equal(t, 5, r.Put(payload))

	n := r.Get(buf)
	require.Equal(t, 5, n)
	assert.Equal(t, payload, buf[:n])
}

func TestTotalsNeverExceedCapacity(t *testing.T) {
	r, err := New(32)
	require.NoError(t, err)
	defer r.Close()

	var put, got int
	buf := make([]byte, 7)
	for i := range 1000 {
		item := bytes.Repeat([]byte{byte(i)}, 1+i%9)
		put += r.Put(item)
		if i%3 == 0 {
			got += r.Get(buf)
		}
		pending := put - got
		assert.LessOrEqual(t, pending, 31)
		assert.GreaterOrEqual(t, pending, 0)
	}
	for {
		n := r.Get(buf)
		if n == 0 {
			break
		}
		got += n
	}
	assert.Equal(t, put, got)
}

func TestSingleProducerSingleConsumer(t *testing.T) {
	r, err := New(256)
	require.NoError(t, err)
	defer r.Close()

	const items = 10000
	var wg errgroup.Group

	wg.Go(func() error {
		item := make([]byte, 4)
		for i := uint32(0); i < items; {
			binary.LittleEndian.PutUint32(item, i)
			if r.Put(item) == 4 {
				i++
			}
		}
		return nil
	})

	got := make([]uint32, 0, items)
	item := make([]byte, 4)
	for len(got) < items {
		if r.Get(item) == 4 {
			got = append(got, binary.LittleEndian.Uint32(item))
		}
	}
	require.NoError(t, wg.Wait())

	for i, v := range got {
		require.Equal(t, uint32(i), v)
	}
}

func TestFileBackedAttach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.shm")

	w, err := Create(path, 128)
	require.NoError(t, err)
	defer w.Close()

	require.Equal(t, 9, w.Put([]byte("published")))

	rd, err := Open(path, 128)
	require.NoError(t, err)
	defer rd.Close()

	buf := make([]byte, 32)
	n := rd.Get(buf)
	require.Equal(t, 9, n)
	assert.Equal(t, []byte("published"), buf[:n])
}

func TestOpenSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.shm")

	w, err := Create(path, 128)
	require.NoError(t, err)
	defer w.Close()

	_, err = Open(path, 64)
	require.ErrorIs(t, err, xerror.ErrBadParam)
}
