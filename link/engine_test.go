package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinylabs/flexdbg/internal/simnet"
	"github.com/tinylabs/flexdbg/transport"
)

func newTestEngine(t *testing.T) (*Engine, *simnet.Bridge) {
	t.Helper()
	bridge, addr, err := simnet.New()
	require.NoError(t, err)
	t.Cleanup(func() { bridge.Close() })

	tr, err := transport.Open(addr)
	require.NoError(t, err)

	e := New(tr)
	t.Cleanup(func() { e.Close() })
	return e, bridge
}

func TestReadWordsSingle(t *testing.T) {
	e, bridge := newTestEngine(t)
	bridge.SetReg(0xF0000000, 0xCAFEBABE)

	vals, err := e.ReadWords(0xF0000000, 4, 1)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, uint32(0xCAFEBABE), vals[0])
}

func TestReadWordsBulkAutoincrement(t *testing.T) {
	e, bridge := newTestEngine(t)
	base := uint32(0xF0001000)
	for i := uint32(0); i < 32; i++ {
		bridge.SetReg(base+i*4, 0x1000+i)
	}

	vals, err := e.ReadWords(base, 4, 32)
	require.NoError(t, err)
	require.Len(t, vals, 32)
	for i, v := range vals {
		assert.Equal(t, 0x1000+uint32(i), v)
	}
}

func TestWriteWordsBulkAutoincrement(t *testing.T) {
	e, bridge := newTestEngine(t)
	base := uint32(0xF0002000)
	data := make([]uint32, 40)
	for i := range data {
		data[i] = uint32(i) * 7
	}

	err := e.WriteWords(base, 4, data)
	require.NoError(t, err)

	for i, want := range data {
		got := bridge.Reg(base + uint32(i)*4)
		assert.Equal(t, want, got, "offset %d", i)
	}
}

// TestReadWordsHighSpeedCrossesMultipleBufferFlips drives enough
// elements (600, at readSend=180) to force the ping-pong send buffer to
// flip three times, exercising both the "drain the other buffer" branch
// taken from the second flip onward and the two post-loop drains of
// whatever was left in flight when the loop ended.
func TestReadWordsHighSpeedCrossesMultipleBufferFlips(t *testing.T) {
	e, bridge := newTestEngine(t)
	base := uint32(0xF0010000)
	const n = 600
	for i := uint32(0); i < n; i++ {
		bridge.SetReg(base+i*4, i&0xFF)
	}

	vals, err := e.ReadWords(base, 1, n)
	require.NoError(t, err)
	require.Len(t, vals, n)
	for i, v := range vals {
		assert.Equal(t, uint32(i)&0xFF, v, "index %d", i)
	}
}

// TestWriteWordsHighSpeedCrossesMultipleBufferFlips is the write-side
// counterpart: 600 elements at width 4 crosses the writeSend=900
// threshold (a ">" comparison, unlike the read side's "==") three times.
func TestWriteWordsHighSpeedCrossesMultipleBufferFlips(t *testing.T) {
	e, bridge := newTestEngine(t)
	base := uint32(0xF0011000)
	const n = 600
	data := make([]uint32, n)
	for i := range data {
		data[i] = 0x10000000 + uint32(i)
	}

	require.NoError(t, e.WriteWords(base, 4, data))

	for i, want := range data {
		assert.Equal(t, want, bridge.Reg(base+uint32(i)*4), "offset %d", i)
	}
}

// TestReadWordsLowSpeedCrossesMultipleBufferFlips repeats the flip
// coverage at LowSpeed (readSend=9), where the much smaller threshold
// means far fewer elements are needed per flip.
func TestReadWordsLowSpeedCrossesMultipleBufferFlips(t *testing.T) {
	e, bridge := newTestEngine(t)
	e.SetSpeedClass(LowSpeed)
	base := uint32(0xF0012000)
	const n = 30
	for i := uint32(0); i < n; i++ {
		bridge.SetReg(base+i*4, 0x20000000+i)
	}

	vals, err := e.ReadWords(base, 4, n)
	require.NoError(t, err)
	require.Len(t, vals, n)
	for i, v := range vals {
		assert.Equal(t, 0x20000000+uint32(i), v, "index %d", i)
	}
}

// TestWriteWordsLowSpeedCrossesMultipleBufferFlips is the write-side
// counterpart at LowSpeed (writeSend=45).
func TestWriteWordsLowSpeedCrossesMultipleBufferFlips(t *testing.T) {
	e, bridge := newTestEngine(t)
	e.SetSpeedClass(LowSpeed)
	base := uint32(0xF0013000)
	const n = 30
	data := make([]uint32, n)
	for i := range data {
		data[i] = 0x30000000 + uint32(i)
	}

	require.NoError(t, e.WriteWords(base, 4, data))

	for i, want := range data {
		assert.Equal(t, want, bridge.Reg(base+uint32(i)*4), "offset %d", i)
	}
}

func TestReadWordsEmptyIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)
	vals, err := e.ReadWords(0, 4, 0)
	require.NoError(t, err)
	assert.Nil(t, vals)
}

func TestSetSpeedClassLowAndHigh(t *testing.T) {
	e, bridge := newTestEngine(t)
	e.SetSpeedClass(LowSpeed)
	bridge.SetReg(0xF0003000, 0x42)

	vals, err := e.ReadWords(0xF0003000, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x42), vals[0])

	e.SetSpeedClass(HighSpeed)
	vals, err = e.ReadWords(0xF0003000, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x42), vals[0])
}

func TestOnSlaveReceivesInjectedPacket(t *testing.T) {
	e, bridge := newTestEngine(t)

	received := make(chan []byte, 1)
	e.OnSlave(func(payload []byte) {
		received <- append([]byte(nil), payload...)
	})

	require.NoError(t, bridge.InjectSlavePacket([]byte{0x10, 0x02}))

	select {
	case payload := <-received:
		assert.Equal(t, []byte{0x10, 0x02}, payload)
	case <-time.After(time.Second):
		t.Fatal("slave callback was not invoked")
	}
}

func TestOnSlaveSerializesMultiplePackets(t *testing.T) {
	e, bridge := newTestEngine(t)

	var got [][]byte
	done := make(chan struct{})
	count := 0
	e.OnSlave(func(payload []byte) {
		got = append(got, append([]byte(nil), payload...))
		count++
		if count == 3 {
			close(done)
		}
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, bridge.InjectSlavePacket([]byte{byte(i), byte(i + 1)}))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("did not receive all slave packets")
	}

	for i, payload := range got {
		assert.Equal(t, []byte{byte(i), byte(i + 1)}, payload)
	}
}

func TestWriteRawBypassesFraming(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.WriteRaw(0x7E))
}

func TestCloseUnblocksReader(t *testing.T) {
	e, bridge := newTestEngine(t)
	bridge.Close()

	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after transport went away")
	}
}
