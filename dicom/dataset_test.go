package dicom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/caio-sobreiro/dicomscp/types"
)

func explicitElement(group, element uint16, vr, value string) []byte {
	data := binary.LittleEndian.AppendUint16(nil, group)
	data = binary.LittleEndian.AppendUint16(data, element)
	data = append(data, vr...)
	data = binary.LittleEndian.AppendUint16(data, uint16(len(value)))
	return append(data, value...)
}

func implicitElement(group, element uint16, value string) []byte {
	data := binary.LittleEndian.AppendUint16(nil, group)
	data = binary.LittleEndian.AppendUint16(data, element)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(value)))
	return append(data, value...)
}

func TestTag_String(t *testing.T) {
	tests := []struct {
		tag  Tag
		want string
	}{
		{Tag{0x0010, 0x0010}, "(0010,0010)"},
		{TagPixelData, "(7fe0,0010)"},
		{Tag{0x0000, 0x0000}, "(0000,0000)"},
	}

	for _, tt := range tests {
		if got := tt.tag.String(); got != tt.want {
			t.Errorf("Tag.String() = %q, want %q", got, tt.want)
		}
	}
}

func TestDataset_GetStrings(t *testing.T) {
	ds := NewDataset()
	ds.AddElement(Tag{0x0008, 0x0061}, VR_CS, "CT\\MR \\ PT")

	got := ds.GetStrings(Tag{0x0008, 0x0061})
	want := []string{"CT", "MR", "PT"}
	if len(got) != len(want) {
		t.Fatalf("GetStrings() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("GetStrings()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if ds.GetStrings(TagPatientID) != nil {
		t.Error("GetStrings() on missing tag should return nil")
	}
}

func TestParse_ExplicitVRLittleEndian(t *testing.T) {
	var data []byte
	data = append(data, explicitElement(0x0008, 0x0018, VR_UI, "1.2.3.4\x00")...)
	data = append(data, explicitElement(0x0010, 0x0010, VR_PN, "DOE^JOHN")...)
	data = append(data, explicitElement(0x0020, 0x0013, VR_IS, "12")...)

	ds, err := Parse(data, types.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if got := ds.GetString(TagSOPInstanceUID); got != "1.2.3.4" {
		t.Errorf("SOP Instance UID = %q, want 1.2.3.4", got)
	}
	if got := ds.GetString(TagPatientName); got != "DOE^JOHN" {
		t.Errorf("Patient Name = %q, want DOE^JOHN", got)
	}
	if got := ds.GetString(TagInstanceNumber); got != "12" {
		t.Errorf("Instance Number = %q, want 12", got)
	}
}

func TestParse_ImplicitVRLittleEndian(t *testing.T) {
	var data []byte
	data = append(data, implicitElement(0x0008, 0x1030, "BRAIN RESEARCH")...)
	data = append(data, implicitElement(0x0010, 0x4000, "Project: ALPHA ")...)
	data = append(data, implicitElement(0x0011, 0x1001, "\x01\x02")...)

	ds, err := Parse(data, types.ImplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if got := ds.GetString(TagStudyDescription); got != "BRAIN RESEARCH" {
		t.Errorf("Study Description = %q, want BRAIN RESEARCH", got)
	}
	if got := ds.GetString(TagPatientComments); got != "Project: ALPHA" {
		t.Errorf("Patient Comments = %q, want %q", got, "Project: ALPHA")
	}

	el, ok := ds.GetElement(Tag{0x0011, 0x1001})
	if !ok {
		t.Fatal("private element missing")
	}
	if el.VR != VR_UN {
		t.Errorf("private element VR = %s, want UN", el.VR)
	}
	if raw, ok := el.Value.([]byte); !ok || !bytes.Equal(raw, []byte{0x01, 0x02}) {
		t.Errorf("private element value = %v, want raw bytes", el.Value)
	}
}

func TestParse_ExplicitVRBigEndian(t *testing.T) {
	value := "SUBJ01"
	data := binary.BigEndian.AppendUint16(nil, 0x0010)
	data = binary.BigEndian.AppendUint16(data, 0x0020)
	data = append(data, VR_LO...)
	data = binary.BigEndian.AppendUint16(data, uint16(len(value)))
	data = append(data, value...)

	ds, err := Parse(data, types.ExplicitVRBigEndian)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := ds.GetString(TagPatientID); got != value {
		t.Errorf("Patient ID = %q, want %q", got, value)
	}
}

func TestParse_SkipsUndefinedLengthSequence(t *testing.T) {
	var data []byte
	data = append(data, explicitElement(0x0008, 0x0018, VR_UI, "1.2.3.4\x00")...)

	// (0008,1140) SQ, undefined length, one undefined length item.
	data = binary.LittleEndian.AppendUint16(data, 0x0008)
	data = binary.LittleEndian.AppendUint16(data, 0x1140)
	data = append(data, VR_SQ...)
	data = append(data, 0x00, 0x00)
	data = binary.LittleEndian.AppendUint32(data, undefinedLength)
	data = append(data, implicitElement(0xFFFE, 0xE000, "")[:4]...)
	data = binary.LittleEndian.AppendUint32(data, undefinedLength)
	data = append(data, explicitElement(0x0008, 0x1155, VR_UI, "9.9.9\x00")...)
	data = append(data, implicitElement(0xFFFE, 0xE00D, "")...)
	data = append(data, implicitElement(0xFFFE, 0xE0DD, "")...)

	data = append(data, explicitElement(0x0010, 0x0010, VR_PN, "DOE^JANE")...)

	ds, err := Parse(data, types.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := ds.GetString(TagPatientName); got != "DOE^JANE" {
		t.Errorf("Patient Name after sequence = %q, want DOE^JANE", got)
	}
	if _, ok := ds.GetElement(Tag{0x0008, 0x1155}); ok {
		t.Error("nested item element leaked into top-level dataset")
	}
}

func TestParse_Truncated(t *testing.T) {
	full := append(explicitElement(0x0010, 0x0010, VR_PN, "DOE^JOHN"),
		explicitElement(0x0010, 0x0020, VR_LO, "PATIENT-0001")...)
	cut := full[:len(full)-4]

	if _, err := Parse(cut, types.ExplicitVRLittleEndian); !errors.Is(err, ErrMalformed) {
		t.Errorf("Parse(truncated) error = %v, want ErrMalformed", err)
	}

	ds, err := ParsePrefix(cut, types.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("ParsePrefix() error = %v", err)
	}
	if got := ds.GetString(TagPatientName); got != "DOE^JOHN" {
		t.Errorf("Patient Name = %q, want DOE^JOHN", got)
	}
	if _, ok := ds.GetElement(TagPatientID); ok {
		t.Error("ParsePrefix() kept a partial element")
	}
}

func TestDataset_RoundTrip(t *testing.T) {
	for _, ts := range []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian} {
		t.Run(ts, func(t *testing.T) {
			original := NewDataset()
			original.AddElement(TagSOPInstanceUID, VR_UI, "1.2.3")
			original.AddElement(TagPatientName, VR_PN, "DOE^JOHN")
			original.AddElement(TagPatientID, VR_LO, "123")
			original.AddElement(TagSeriesNumber, VR_IS, "4")

			encoded, err := EncodeDatasetWithTransferSyntax(original, ts)
			if err != nil {
				t.Fatalf("EncodeDatasetWithTransferSyntax() error = %v", err)
			}
			decoded, err := Parse(encoded, ts)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}

			for tag := range original.Elements {
				if got, want := decoded.GetString(tag), original.GetString(tag); got != want {
					t.Errorf("%s = %q, want %q", tag, got, want)
				}
			}
		})
	}
}

func TestEncodeElementValue_Padding(t *testing.T) {
	tests := []struct {
		name    string
		element *Element
		want    []byte
	}{
		{"text padded with space", &Element{VR: VR_PN, Value: "ABC"}, []byte("ABC ")},
		{"UID padded with null", &Element{VR: VR_UI, Value: "1.2.3"}, []byte("1.2.3\x00")},
		{"even text untouched", &Element{VR: VR_LO, Value: "AB"}, []byte("AB")},
		{"uint16", &Element{VR: VR_US, Value: uint16(0x0102)}, []byte{0x02, 0x01}},
		{"multi-value", &Element{VR: VR_CS, Value: []string{"CT", "MR"}}, []byte("CT\\MR ")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := encodeElementValue(tt.element); !bytes.Equal(got, tt.want) {
				t.Errorf("encodeElementValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetermineVR(t *testing.T) {
	tests := []struct {
		tag  Tag
		want string
	}{
		{TagSOPInstanceUID, VR_UI},
		{TagPatientName, VR_PN},
		{TagStudyComments, VR_LT},
		{TagInstanceNumber, VR_IS},
		{Tag{0x0009, 0x0000}, VR_UL},
		{Tag{0x0029, 0x1010}, VR_UN},
	}

	for _, tt := range tests {
		if got := determineVR(tt.tag); got != tt.want {
			t.Errorf("determineVR(%s) = %s, want %s", tt.tag, got, tt.want)
		}
	}
}
