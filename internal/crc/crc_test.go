package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCcittSingle(t *testing.T) {
	crc := CRC16(0)
	crc.Single(10)
	assert.EqualValues(t, 0xA14A, crc)
}

func TestXModemCanonicalVector(t *testing.T) {
	// Canonical CRC-16-XMODEM test vector.
	assert.EqualValues(t, 0x31C3, XModem([]byte("123456789")))
}

func TestSingleMatchesBlock(t *testing.T) {
	var single CRC16
	for _, b := range []byte("123456789") {
		single.Single(b)
	}
	var block CRC16
	block.Block([]byte("123456789"))
	assert.Equal(t, single, block)
}

func TestChecksum8Wraps(t *testing.T) {
	data := make([]byte, 300)
	for i := range data {
		data[i] = 1
	}
	assert.EqualValues(t, byte(300%256), Checksum8(data))
}

func TestCRC32BitFlipRejected(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	want := CRC32(data)
	data[1234] ^= 0x01
	assert.NotEqual(t, want, CRC32(data))
}
