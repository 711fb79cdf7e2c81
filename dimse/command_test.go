package dimse

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	dicomerrors "github.com/caio-sobreiro/dicomscp/errors"
	"github.com/caio-sobreiro/dicomscp/types"
)

// findElement returns the value of (0000,element) in an encoded command.
func findElement(data []byte, element uint16) ([]byte, bool) {
	for offset := 0; offset+8 <= len(data); {
		el := binary.LittleEndian.Uint16(data[offset+2:])
		length := int(binary.LittleEndian.Uint32(data[offset+4:]))
		if el == element {
			return data[offset+8 : offset+8+length], true
		}
		offset += 8 + length
	}
	return nil, false
}

func TestEncodeCommand_SuccessResponseCarriesStatus(t *testing.T) {
	data, err := EncodeCommand(&types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: 5,
		Status:                    types.StatusSuccess,
		CommandDataSetType:        types.NoDataSet,
	})
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}

	status, ok := findElement(data, 0x0900)
	if !ok {
		t.Fatal("Status (0000,0900) missing from success response")
	}
	if binary.LittleEndian.Uint16(status) != 0 {
		t.Errorf("Status = 0x%04x, want 0", binary.LittleEndian.Uint16(status))
	}
	if _, ok := findElement(data, 0x0110); ok {
		t.Error("response carries Message ID (0000,0110)")
	}

	groupLength := binary.LittleEndian.Uint32(data[8:12])
	if int(groupLength) != len(data)-12 {
		t.Errorf("group length = %d, want %d", groupLength, len(data)-12)
	}
}

func TestEncodeCommand_TruncatesErrorComment(t *testing.T) {
	data, err := EncodeCommand(&types.Message{
		CommandField: types.CStoreRSP,
		Status:       types.StatusCannotUnderstand,
		ErrorComment: strings.Repeat("x", 100),
	})
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	comment, ok := findElement(data, 0x0902)
	if !ok {
		t.Fatal("Error Comment missing")
	}
	if len(comment) != types.MaxErrorCommentLength {
		t.Errorf("Error Comment length = %d, want %d", len(comment), types.MaxErrorCommentLength)
	}
}

func TestDecodeCommand_RoundTrip(t *testing.T) {
	original := &types.Message{
		CommandField:            types.CStoreRQ,
		MessageID:               42,
		Priority:                1,
		CommandDataSetType:      types.DataSetPresent,
		AffectedSOPClassUID:     types.MRImageStorage,
		AffectedSOPInstanceUID:  "1.2.840.99.1",
		MoveOriginatorAETitle:   "MOVER",
		MoveOriginatorMessageID: 17,
	}

	decoded, err := DecodeCommand(encode(t, original))
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	if *decoded != *original {
		t.Errorf("decoded = %+v\nwant      %+v", decoded, original)
	}
}

func TestDecodeCommand_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated header", []byte{0x00, 0x00, 0x00}},
		{"overrunning value", []byte{0x00, 0x00, 0x00, 0x01, 0x04, 0x00, 0x00, 0x00, 0x01}},
		{"no command field", AppendImplicitElement(nil, 0x0000, 0x0110, []byte{0x01, 0x00})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeCommand(tt.data); !errors.Is(err, dicomerrors.ErrInvalidMessage) {
				t.Errorf("DecodeCommand() error = %v, want ErrInvalidMessage", err)
			}
		})
	}
}
