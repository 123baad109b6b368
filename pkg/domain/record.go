package domain

import "encoding/binary"

// recordHeaderSize is the fixed-width metadata header prepended to the
// payload when an Entity is serialized for storage. The concrete
// flatbuffer wire format in spec.md §6 (metadata/resource/local
// subregions) is owned by the resource plug-in and out of scope here;
// this is the core's own minimal envelope around the opaque payload
// bytes, tolerant of the same defined defaults spec.md §6 lists.
const recordHeaderSize = 11

// EncodeRecord serializes an Entity's metadata and payload into the
// bytes stored at MakeKey(entity.UID, entity.Metadata.Revision).
func EncodeRecord(e Entity) []byte {
	buf := make([]byte, recordHeaderSize+len(e.Payload))
	buf[0] = byte(e.Metadata.Operation)
	buf[1] = boolByte(e.Metadata.ReplayToSource)
	buf[2] = boolByte(e.Metadata.Processed)
	binary.BigEndian.PutUint64(buf[3:11], e.Metadata.Revision)
	copy(buf[recordHeaderSize:], e.Payload)
	return buf
}

// DecodeRecord reverses EncodeRecord, tolerating a short or missing
// header by falling back to the wire defaults in spec.md §6
// (operation=Creation, replayToSource=true, processed=false,
// revision=UnknownRevision).
func DecodeRecord(data []byte) (Metadata, []byte) {
	if len(data) < recordHeaderSize {
		return DefaultMetadata(), data
	}

	md := Metadata{
		Operation:      Operation(data[0]),
		ReplayToSource: data[1] != 0,
		Processed:      data[2] != 0,
		Revision:       binary.BigEndian.Uint64(data[3:11]),
	}

	payload := make([]byte, len(data)-recordHeaderSize)
	copy(payload, data[recordHeaderSize:])
	return md, payload
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
