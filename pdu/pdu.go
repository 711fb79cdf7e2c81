package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	dicomerrors "github.com/caio-sobreiro/dicomscp/errors"
	"github.com/caio-sobreiro/dicomscp/types"
)

// MaxPDUReadLength caps the size of a single PDU read from a peer.
const MaxPDUReadLength = 64 << 20

// PDU represents a Protocol Data Unit
type PDU struct {
	Type   byte
	Length uint32
	Data   []byte
}

// PDV is one presentation data value item of a P-DATA-TF PDU.
type PDV struct {
	PresentationContextID byte
	MessageControlHeader  byte
	Data                  []byte
}

// IsCommand reports whether the fragment belongs to a command.
func (v PDV) IsCommand() bool { return v.MessageControlHeader&0x01 != 0 }

// IsLast reports whether the fragment is the last of its command or data set.
func (v PDV) IsLast() bool { return v.MessageControlHeader&0x02 != 0 }

// ReadPDU reads a complete PDU from r.
func ReadPDU(r io.Reader) (*PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])
	if pduLength > MaxPDUReadLength {
		return nil, dicomerrors.NewPDUError(pduType, fmt.Sprintf("length %d exceeds limit %d", pduLength, MaxPDUReadLength))
	}

	data := make([]byte, pduLength)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read PDU data: %w", err)
	}

	return &PDU{Type: pduType, Length: pduLength, Data: data}, nil
}

// ParsePDataTF splits a P-DATA-TF payload into its PDV items.
func ParsePDataTF(data []byte) ([]PDV, error) {
	var pdvs []PDV
	offset := 0
	for offset < len(data) {
		if offset+6 > len(data) {
			return nil, dicomerrors.NewPDUError(types.TypePDataTF, "truncated PDV header")
		}
		length := binary.BigEndian.Uint32(data[offset : offset+4])
		end := offset + 4 + int(length)
		if length < 2 || end > len(data) {
			return nil, dicomerrors.NewPDUError(types.TypePDataTF, fmt.Sprintf("PDV length %d exceeds PDU payload", length))
		}
		pdvs = append(pdvs, PDV{
			PresentationContextID: data[offset+4],
			MessageControlHeader:  data[offset+5],
			Data:                  data[offset+6 : end],
		})
		offset = end
	}
	if len(pdvs) == 0 {
		return nil, dicomerrors.NewPDUError(types.TypePDataTF, "P-DATA-TF without PDV items")
	}
	return pdvs, nil
}

// WritePData writes a command or data set as one or more P-DATA-TF PDUs,
// each no larger than maxPDULength. A zero maxPDULength means the default.
func WritePData(w io.Writer, presContextID byte, maxPDULength uint32, data []byte, isCommand bool) error {
	if maxPDULength == 0 {
		maxPDULength = types.DefaultMaxPDULength
	}
	// PDV length (4) + context ID (1) + control header (1)
	maxFragment := int(maxPDULength) - 6
	if maxFragment <= 0 {
		return fmt.Errorf("max PDU length %d too small", maxPDULength)
	}

	offset := 0
	for {
		chunk := len(data) - offset
		last := true
		if chunk > maxFragment {
			chunk = maxFragment
			last = false
		}

		control := byte(0)
		if isCommand {
			control |= 0x01
		}
		if last {
			control |= 0x02
		}

		buf := make([]byte, 0, 12+chunk)
		buf = append(buf, types.TypePDataTF, 0x00)
		buf = binary.BigEndian.AppendUint32(buf, uint32(6+chunk))
		buf = binary.BigEndian.AppendUint32(buf, uint32(2+chunk))
		buf = append(buf, presContextID, control)
		buf = append(buf, data[offset:offset+chunk]...)

		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("failed to write P-DATA-TF: %w", err)
		}

		offset += chunk
		if last {
			return nil
		}
	}
}

// EncodeAssociateRJ builds an A-ASSOCIATE-RJ PDU (result: rejected-permanent).
func EncodeAssociateRJ(source dicomerrors.AssociationRejectSource, reason dicomerrors.AssociationRejectReason) []byte {
	return []byte{types.TypeAssociateRJ, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x01, byte(source), byte(reason)}
}

// EncodeAbort builds an A-ABORT PDU.
func EncodeAbort(source, reason byte) []byte {
	return []byte{types.TypeAbort, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, source, reason}
}

// EncodeReleaseRQ builds an A-RELEASE-RQ PDU.
func EncodeReleaseRQ() []byte {
	return []byte{types.TypeReleaseRQ, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}
}

// EncodeReleaseRP builds an A-RELEASE-RP PDU.
func EncodeReleaseRP() []byte {
	return []byte{types.TypeReleaseRP, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}
}

// appendItem appends a variable item: type, reserved, 16 bit length, value.
func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func trimAETitle(raw []byte) string {
	value := string(raw)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

func padAETitle(title string) []byte {
	if len(title) > 16 {
		title = title[:16]
	}
	return []byte(fmt.Sprintf("%-16s", title))
}
