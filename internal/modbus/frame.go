// SPDX-License-Identifier: MIT

// Package modbus drives relay cards over RS-485. The controller owns the
// serial port as an actor: one in-flight frame at a time, a minimum gap
// between frames, and pulses that always finish their OFF write.
package modbus

import (
	"encoding/binary"
	"fmt"
)

// Function codes used on the bus.
const (
	funcWriteSingleCoil    = 0x05
	funcWriteMultipleCoils = 0x0F
)

// Coil values for write-single-coil.
const (
	coilOn  = 0xFF00
	coilOff = 0x0000
)

// responseFrameLen is the length of a normal response for both write
// functions: write-single-coil echoes its 8-byte request, and the
// write-multiple-coils ack is slave, function, start address, quantity
// and CRC, also 8 bytes.
const responseFrameLen = 8

// CRC16 computes the Modbus RTU checksum (polynomial 0xA001).
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC appends the checksum low byte first, as RTU requires.
func appendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

// writeCoilFrame builds the 8-byte write-single-coil request. channel is
// 1-based; the coil address on the wire is channel-1.
func writeCoilFrame(slave byte, channel int, on bool) []byte {
	val := uint16(coilOff)
	if on {
		val = coilOn
	}
	frame := make([]byte, 6, 8)
	frame[0] = slave
	frame[1] = funcWriteSingleCoil
	binary.BigEndian.PutUint16(frame[2:], uint16(channel-1))
	binary.BigEndian.PutUint16(frame[4:], val)
	return appendCRC(frame)
}

// writeMultipleCoilsFrame builds a write-multiple-coils request covering a
// single channel, for cards that only accept function 0x0F.
func writeMultipleCoilsFrame(slave byte, channel int, on bool) []byte {
	frame := make([]byte, 8, 10)
	frame[0] = slave
	frame[1] = funcWriteMultipleCoils
	binary.BigEndian.PutUint16(frame[2:], uint16(channel-1))
	binary.BigEndian.PutUint16(frame[4:], 1) // coil count
	frame[6] = 1                             // byte count
	if on {
		frame[7] = 0x01
	}
	return appendCRC(frame)
}

// verifyResponse checks a response frame's checksum and that it echoes the
// expected slave and function.
func verifyResponse(resp []byte, slave byte, function byte) error {
	if len(resp) < 4 {
		return &HardwareError{Kind: ErrFraming, Slave: slave, Detail: fmt.Sprintf("short response (%d bytes)", len(resp))}
	}
	body, sum := resp[:len(resp)-2], resp[len(resp)-2:]
	want := CRC16(body)
	got := uint16(sum[0]) | uint16(sum[1])<<8
	if want != got {
		return &HardwareError{Kind: ErrCRC, Slave: slave, Detail: fmt.Sprintf("crc mismatch: want %04x got %04x", want, got)}
	}
	if resp[0] != slave {
		return &HardwareError{Kind: ErrFraming, Slave: slave, Detail: fmt.Sprintf("wrong slave %d in response", resp[0])}
	}
	if resp[1] == function|0x80 {
		return &HardwareError{Kind: ErrException, Slave: slave, Detail: fmt.Sprintf("exception code %d", resp[2])}
	}
	if resp[1] != function {
		return &HardwareError{Kind: ErrFraming, Slave: slave, Detail: fmt.Sprintf("wrong function %02x in response", resp[1])}
	}
	return nil
}
