package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"

	dicomerrors "github.com/caio-sobreiro/dicomscp/errors"
	"github.com/caio-sobreiro/dicomscp/types"
)

// EncodeCommand encodes a DIMSE command message using Implicit VR Little Endian
func EncodeCommand(msg *types.Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil command", dicomerrors.ErrInvalidMessage)
	}
	buf := make([]byte, 0, 256)

	// Command Group Length (0000,0000), patched below
	buf = AppendImplicitElement(buf, 0x0000, 0x0000, make([]byte, 4))
	lengthPos := len(buf) - 4

	if msg.AffectedSOPClassUID != "" {
		buf = AppendImplicitElement(buf, 0x0000, 0x0002, padUID(msg.AffectedSOPClassUID))
	}

	buf = AppendImplicitElement(buf, 0x0000, 0x0100, uint16Value(msg.CommandField))

	if msg.IsResponse() {
		buf = AppendImplicitElement(buf, 0x0000, 0x0120, uint16Value(msg.MessageIDBeingRespondedTo))
	} else {
		buf = AppendImplicitElement(buf, 0x0000, 0x0110, uint16Value(msg.MessageID))
	}

	if !msg.IsResponse() && msg.CommandField != types.CEchoRQ {
		buf = AppendImplicitElement(buf, 0x0000, 0x0700, uint16Value(msg.Priority))
	}

	buf = AppendImplicitElement(buf, 0x0000, 0x0800, uint16Value(msg.CommandDataSetType))

	// Status is mandatory on every response, success included.
	if msg.IsResponse() {
		buf = AppendImplicitElement(buf, 0x0000, 0x0900, uint16Value(msg.Status))
	}

	if msg.ErrorComment != "" {
		comment := types.TruncateErrorComment(msg.ErrorComment)
		buf = AppendImplicitElement(buf, 0x0000, 0x0902, padText(comment))
	}

	if msg.AffectedSOPInstanceUID != "" {
		buf = AppendImplicitElement(buf, 0x0000, 0x1000, padUID(msg.AffectedSOPInstanceUID))
	}

	if msg.MoveOriginatorAETitle != "" {
		buf = AppendImplicitElement(buf, 0x0000, 0x1030, padText(msg.MoveOriginatorAETitle))
		buf = AppendImplicitElement(buf, 0x0000, 0x1031, uint16Value(msg.MoveOriginatorMessageID))
	}

	groupLength := uint32(len(buf) - lengthPos - 4)
	binary.LittleEndian.PutUint32(buf[lengthPos:lengthPos+4], groupLength)

	return buf, nil
}

// AppendImplicitElement appends a DICOM element using Implicit VR (no VR field)
func AppendImplicitElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, group)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

func uint16Value(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

func padUID(uid string) []byte {
	b := []byte(uid)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	return b
}

func padText(s string) []byte {
	b := []byte(s)
	if len(b)%2 == 1 {
		b = append(b, ' ')
	}
	return b
}

// DecodeCommand decodes a DIMSE command message
func DecodeCommand(data []byte) (*types.Message, error) {
	msg := &types.Message{
		CommandDataSetType: types.NoDataSet,
	}
	offset := 0
	sawCommandField := false

	for offset < len(data) {
		if offset+8 > len(data) {
			return nil, fmt.Errorf("%w: truncated element header at offset %d", dicomerrors.ErrInvalidMessage, offset)
		}
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		end := offset + 8 + int(length)
		if end > len(data) || end < offset {
			return nil, fmt.Errorf("%w: element (%04x,%04x) overruns command", dicomerrors.ErrInvalidMessage, group, element)
		}
		value := data[offset+8 : end]
		offset = end

		if group != 0x0000 {
			continue
		}

		switch element {
		case 0x0002:
			msg.AffectedSOPClassUID = trimValue(value)
		case 0x0100:
			if len(value) >= 2 {
				msg.CommandField = binary.LittleEndian.Uint16(value[:2])
				sawCommandField = true
			}
		case 0x0110:
			if len(value) >= 2 {
				msg.MessageID = binary.LittleEndian.Uint16(value[:2])
			}
		case 0x0120:
			if len(value) >= 2 {
				msg.MessageIDBeingRespondedTo = binary.LittleEndian.Uint16(value[:2])
			}
		case 0x0700:
			if len(value) >= 2 {
				msg.Priority = binary.LittleEndian.Uint16(value[:2])
			}
		case 0x0800:
			if len(value) >= 2 {
				msg.CommandDataSetType = binary.LittleEndian.Uint16(value[:2])
			}
		case 0x0900:
			if len(value) >= 2 {
				msg.Status = binary.LittleEndian.Uint16(value[:2])
			}
		case 0x0902:
			msg.ErrorComment = trimValue(value)
		case 0x1000:
			msg.AffectedSOPInstanceUID = trimValue(value)
		case 0x1030:
			msg.MoveOriginatorAETitle = trimValue(value)
		case 0x1031:
			if len(value) >= 2 {
				msg.MoveOriginatorMessageID = binary.LittleEndian.Uint16(value[:2])
			}
		}
	}

	if !sawCommandField {
		return nil, fmt.Errorf("%w: missing Command Field (0000,0100)", dicomerrors.ErrInvalidMessage)
	}
	return msg, nil
}

func trimValue(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}
