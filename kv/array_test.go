package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newPage(size int) []byte { return make([]byte, size) }

func uint64Codec() Codec[uint64, uint64, uint32] {
	return Codec[uint64, uint64, uint32]{
		Key:   AssignmentEncoder[uint64]{},
		Value: AssignmentEncoder[uint64]{},
		PMNK:  Uint64PMNK[uint32],
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	arr := Open(newPage(512), uint64Codec())
	arr.Init()

	for _, k := range []uint64{5, 1, 3} {
		_, err := arr.Insert(k, k*10)
		assert.NoError(t, err)
	}

	for _, k := range []uint64{1, 3, 5} {
		found, pos := arr.Find(k)
		assert.True(t, found)
		var v uint64
		assert.True(t, arr.Read(pos, nil, &v))
		assert.Equal(t, k*10, v)
	}

	found, _ := arr.Find(2)
	assert.False(t, found)
}

func TestDuplicateRejected(t *testing.T) {
	arr := Open(newPage(512), uint64Codec())
	arr.Init()

	_, err := arr.Insert(7, 1)
	assert.NoError(t, err)
	_, err = arr.Insert(7, 2)
	assert.ErrorIs(t, err, ErrDuplicate)

	var v uint64
	_, pos := arr.Find(7)
	arr.Read(pos, nil, &v)
	assert.Equal(t, uint64(1), v)
}

func TestRemoveThenReinsert(t *testing.T) {
	arr := Open(newPage(512), uint64Codec())
	arr.Init()

	_, err := arr.Insert(10, 100)
	assert.NoError(t, err)
	assert.True(t, arr.Remove(10))

	found, _ := arr.Find(10)
	assert.False(t, found)

	_, err = arr.Insert(10, 200)
	assert.NoError(t, err)
	assert.Equal(t, 1, arr.SlotCount())

	var v uint64
	_, pos := arr.Find(10)
	arr.Read(pos, nil, &v)
	assert.Equal(t, uint64(200), v)
}

func stringCodec() Codec[string, string, uint16] {
	return Codec[string, string, uint16]{
		Key:   InlineStringEncoder{},
		Value: InlineStringEncoder{},
		PMNK:  BytesPMNK[uint16],
	}
}

func TestVariableLengthKeysRangeScan(t *testing.T) {
	arr := Open(newPage(512), stringCodec())
	arr.Init()

	for k, v := range map[string]string{"apple": "1", "banana": "2", "apricot": "3"} {
		_, err := arr.Insert(k, v)
		assert.NoError(t, err)
	}

	lo, hi := "apple", "banana"
	it := arr.RangeIter(&lo, &hi)

	var gotKeys, gotVals []string
	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		gotKeys = append(gotKeys, k)
		gotVals = append(gotVals, v)
	}

	assert.Equal(t, []string{"apple", "apricot"}, gotKeys)
	assert.Equal(t, []string{"1", "3"}, gotVals)
}

func TestPMNKCollisionDistinctKeys(t *testing.T) {
	arr := Open(newPage(512), uint64Codec())
	arr.Init()

	keys := []uint64{0x0001000000000001, 0x0001000000000002, 0x0001000000000003}
	for _, k := range keys {
		_, err := arr.Insert(k, k)
		assert.NoError(t, err)
	}

	assert.Equal(t, uint32(0x00010000), Uint64PMNK[uint32](keys[0]))
	for _, k := range keys {
		found, pos := arr.Find(k)
		assert.True(t, found)
		var v uint64
		arr.Read(pos, nil, &v)
		assert.Equal(t, k, v)
	}

	var prev uint64
	it := arr.RangeIter(nil, nil)
	for i := 0; ; i++ {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		if i > 0 {
			assert.True(t, k > prev)
		}
		prev = k
	}
}

func TestIdentityPMNKNoFullKeyStored(t *testing.T) {
	codec := Codec[uint32, uint64, uint32]{
		Key:         DummyEncoder[uint32]{},
		Value:       AssignmentEncoder[uint64]{},
		PMNK:        IdentityPMNK[uint32],
		KeyFromPMNK: func(p uint32) uint32 { return p },
	}
	arr := Open(newPage(256), codec)
	arr.Init()

	_, err := arr.Insert(42, 4242)
	assert.NoError(t, err)

	var k uint32
	var v uint64
	_, pos := arr.Find(42)
	assert.True(t, arr.Read(pos, &k, &v))
	assert.Equal(t, uint32(42), k)
	assert.Equal(t, uint64(4242), v)
}
