package dicom

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/caio-sobreiro/dicomscp/types"
)

const (
	preambleLength = 128
	metaStart      = preambleLength + 4
)

// FileMeta holds the File Meta Information (group 0002) of a Part 10 file.
type FileMeta struct {
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	TransferSyntaxUID          string
	ImplementationClassUID     string
	ImplementationVersionName  string
	SourceAETitle              string
}

// HasPart10Header checks if the data starts with a DICOM Part 10 header.
//
// Returns true if the data contains the 128-byte preamble followed by "DICM".
func HasPart10Header(data []byte) bool {
	if len(data) < metaStart {
		return false
	}
	return string(data[preambleLength:metaStart]) == "DICM"
}

// ReadFileMeta decodes the File Meta Information of a Part 10 file and
// returns the offset at which the dataset starts.
//
// DICOM Part 10 files contain:
//   - 128 byte preamble
//   - 4 byte "DICM" prefix
//   - File Meta Information elements (group 0x0002, explicit VR little endian)
//   - Dataset (the actual DICOM data)
func ReadFileMeta(data []byte) (FileMeta, int, error) {
	if len(data) < metaStart {
		return FileMeta{}, 0, fmt.Errorf("data too short to be DICOM Part 10 (need at least %d bytes, got %d)", metaStart, len(data))
	}
	if !HasPart10Header(data) {
		return FileMeta{}, 0, fmt.Errorf("not a valid DICOM Part 10 file (missing DICM prefix at offset %d)", preambleLength)
	}

	p := newParser(data, types.ExplicitVRLittleEndian, false)
	p.pos = metaStart

	meta := NewDataset()
	for p.pos+8 <= len(data) && binary.LittleEndian.Uint16(data[p.pos:]) == 0x0002 {
		tag, vr, length, err := p.readHeader()
		if err != nil {
			return FileMeta{}, 0, err
		}
		if length == undefinedLength || p.pos+int(length) > len(data) {
			return FileMeta{}, 0, fmt.Errorf("%w: file meta element %s overruns data", ErrMalformed, tag)
		}
		meta.AddElement(tag, vr, decodeValue(vr, data[p.pos:p.pos+int(length)]))
		p.pos += int(length)
	}

	fm := FileMeta{
		MediaStorageSOPClassUID:    meta.GetString(Tag{0x0002, 0x0002}),
		MediaStorageSOPInstanceUID: meta.GetString(Tag{0x0002, 0x0003}),
		TransferSyntaxUID:          meta.GetString(Tag{0x0002, 0x0010}),
		ImplementationClassUID:     meta.GetString(Tag{0x0002, 0x0012}),
		ImplementationVersionName:  meta.GetString(Tag{0x0002, 0x0013}),
		SourceAETitle:              meta.GetString(Tag{0x0002, 0x0016}),
	}
	return fm, p.pos, nil
}

// StripPart10Header removes the preamble and File Meta Information and
// returns the dataset bytes, as sent in a C-STORE.
func StripPart10Header(data []byte) ([]byte, error) {
	_, offset, err := ReadFileMeta(data)
	if err != nil {
		return nil, err
	}
	if offset >= len(data) {
		return nil, fmt.Errorf("failed to find dataset after File Meta Information")
	}
	return data[offset:], nil
}

// WriteFileMeta writes the preamble, the DICM prefix and the File Meta
// Information group, including its group length.
func WriteFileMeta(w io.Writer, fm FileMeta) error {
	group := NewDataset()
	group.AddElement(Tag{0x0002, 0x0001}, VR_OB, []byte{0x00, 0x01})
	group.AddElement(Tag{0x0002, 0x0002}, VR_UI, fm.MediaStorageSOPClassUID)
	group.AddElement(Tag{0x0002, 0x0003}, VR_UI, fm.MediaStorageSOPInstanceUID)
	group.AddElement(Tag{0x0002, 0x0010}, VR_UI, fm.TransferSyntaxUID)
	group.AddElement(Tag{0x0002, 0x0012}, VR_UI, fm.ImplementationClassUID)
	if fm.ImplementationVersionName != "" {
		group.AddElement(Tag{0x0002, 0x0013}, VR_SH, fm.ImplementationVersionName)
	}
	if fm.SourceAETitle != "" {
		group.AddElement(Tag{0x0002, 0x0016}, VR_AE, fm.SourceAETitle)
	}
	body := group.EncodeDataset()

	header := make([]byte, preambleLength, metaStart+12)
	header = append(header, "DICM"...)
	header = binary.LittleEndian.AppendUint16(header, 0x0002)
	header = binary.LittleEndian.AppendUint16(header, 0x0000)
	header = append(header, VR_UL...)
	header = binary.LittleEndian.AppendUint16(header, 4)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(body)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
