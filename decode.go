package btshower

import (
	"encoding/binary"
)

const (

	// HistoryRecordLen denotes the length of an encoded history record
	HistoryRecordLen = 18

	// TimestampLen denotes the length of an encoded time synchronization value
	TimestampLen = 4
)

// DecodeUint16LE decodes the first two bytes of data as unsigned little-endian integer
func DecodeUint16LE(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, &PayloadError{Want: 2, Have: len(data)}
	}
	return binary.LittleEndian.Uint16(data), nil
}

// DecodeUint32LE decodes the first four bytes of data as unsigned little-endian integer
func DecodeUint32LE(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, &PayloadError{Want: 4, Have: len(data)}
	}
	return binary.LittleEndian.Uint32(data), nil
}

// DecodeUintLE decodes a live value of the given byte width. A width of 2
// yields a 16 bit value, any other width is decoded as 32 bit value
func DecodeUintLE(data []byte, width int) (uint32, error) {
	if width == 2 {
		v, err := DecodeUint16LE(data)
		return uint32(v), err
	}
	return DecodeUint32LE(data)
}

// DecodeHistoryRecord decodes a shower record from its fixed 18 byte layout.
// Trailing bytes are ignored
func DecodeHistoryRecord(data []byte) (HistoryRecord, error) {
	if len(data) < HistoryRecordLen {
		return HistoryRecord{}, &PayloadError{Want: HistoryRecordLen, Have: len(data)}
	}

	le := binary.LittleEndian
	return HistoryRecord{
		ShowerID:      le.Uint32(data[0:4]),
		AvgTemp:       le.Uint16(data[4:6]),
		Duration:      le.Uint16(data[6:8]),
		WaterConsumed: le.Uint32(data[8:12]),
		Timestamp:     le.Uint32(data[12:16]),
		InitialTemp:   le.Uint16(data[16:18]),
	}, nil
}

// EncodeHistoryRecord encodes a shower record into its 18 byte wire layout
func EncodeHistoryRecord(r HistoryRecord) []byte {
	buf := make([]byte, HistoryRecordLen)

	le := binary.LittleEndian
	le.PutUint32(buf[0:4], r.ShowerID)
	le.PutUint16(buf[4:6], r.AvgTemp)
	le.PutUint16(buf[6:8], r.Duration)
	le.PutUint32(buf[8:12], r.WaterConsumed)
	le.PutUint32(buf[12:16], r.Timestamp)
	le.PutUint16(buf[16:18], r.InitialTemp)

	return buf
}

// EncodeTimestamp encodes Unix seconds as written to the time synchronization channel
func EncodeTimestamp(unix uint32) []byte {
	buf := make([]byte, TimestampLen)
	binary.LittleEndian.PutUint32(buf, unix)
	return buf
}
