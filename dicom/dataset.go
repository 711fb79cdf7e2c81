package dicom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/caio-sobreiro/dicomscp/types"
)

// VR (Value Representation) constants
const (
	VR_AE = "AE" // Application Entity
	VR_AS = "AS" // Age String
	VR_AT = "AT" // Attribute Tag
	VR_CS = "CS" // Code String
	VR_DA = "DA" // Date
	VR_DS = "DS" // Decimal String
	VR_DT = "DT" // Date Time
	VR_FL = "FL" // Floating Point Single
	VR_FD = "FD" // Floating Point Double
	VR_IS = "IS" // Integer String
	VR_LO = "LO" // Long String
	VR_LT = "LT" // Long Text
	VR_OB = "OB" // Other Byte
	VR_OD = "OD" // Other Double
	VR_OF = "OF" // Other Float
	VR_OL = "OL" // Other Long
	VR_OV = "OV" // Other Very Long
	VR_OW = "OW" // Other Word
	VR_PN = "PN" // Person Name
	VR_SH = "SH" // Short String
	VR_SL = "SL" // Signed Long
	VR_SQ = "SQ" // Sequence of Items
	VR_SS = "SS" // Signed Short
	VR_ST = "ST" // Short Text
	VR_SV = "SV" // Signed Very Long
	VR_TM = "TM" // Time
	VR_UC = "UC" // Unlimited Characters
	VR_UI = "UI" // Unique Identifier
	VR_UL = "UL" // Unsigned Long
	VR_UN = "UN" // Unknown
	VR_UR = "UR" // Universal Resource
	VR_US = "US" // Unsigned Short
	VR_UT = "UT" // Unlimited Text
	VR_UV = "UV" // Unsigned Very Long
)

const undefinedLength = 0xFFFFFFFF

// ErrMalformed is returned when a dataset cannot be decoded.
var ErrMalformed = errors.New("dicom: malformed dataset")

// Tag represents a DICOM tag (group, element)
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag as a string in (GGGG,EEEE) format
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

func (t Tag) less(o Tag) bool {
	if t.Group != o.Group {
		return t.Group < o.Group
	}
	return t.Element < o.Element
}

// Tags read by the receiver's identification and naming strategies.
var (
	TagSOPClassUID       = Tag{0x0008, 0x0016}
	TagSOPInstanceUID    = Tag{0x0008, 0x0018}
	TagStudyDate         = Tag{0x0008, 0x0020}
	TagAccessionNumber   = Tag{0x0008, 0x0050}
	TagModality          = Tag{0x0008, 0x0060}
	TagStudyDescription  = Tag{0x0008, 0x1030}
	TagSeriesDescription = Tag{0x0008, 0x103E}
	TagPatientName       = Tag{0x0010, 0x0010}
	TagPatientID         = Tag{0x0010, 0x0020}
	TagPatientComments   = Tag{0x0010, 0x4000}
	TagStudyInstanceUID  = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID = Tag{0x0020, 0x000E}
	TagStudyID           = Tag{0x0020, 0x0010}
	TagSeriesNumber      = Tag{0x0020, 0x0011}
	TagInstanceNumber    = Tag{0x0020, 0x0013}
	TagStudyComments     = Tag{0x0032, 0x4000}
	TagPixelData         = Tag{0x7FE0, 0x0010}
)

// Element represents a DICOM data element. Text VRs hold a string, every
// other VR holds the raw value bytes.
type Element struct {
	Tag    Tag
	VR     string
	Length uint32
	Value  interface{}
}

// Dataset represents a collection of DICOM elements
type Dataset struct {
	Elements map[Tag]*Element
}

// NewDataset creates a new empty dataset
func NewDataset() *Dataset {
	return &Dataset{
		Elements: make(map[Tag]*Element),
	}
}

// AddElement adds an element to the dataset
func (d *Dataset) AddElement(tag Tag, vr string, value interface{}) {
	d.Elements[tag] = &Element{
		Tag:   tag,
		VR:    vr,
		Value: value,
	}
}

// GetElement returns an element by tag
func (d *Dataset) GetElement(tag Tag) (*Element, bool) {
	element, exists := d.Elements[tag]
	return element, exists
}

// GetString returns a string value for a tag
func (d *Dataset) GetString(tag Tag) string {
	if element, exists := d.Elements[tag]; exists {
		if str, ok := element.Value.(string); ok {
			return strings.TrimSpace(str)
		}
	}
	return ""
}

// GetStrings returns the backslash separated values of a tag.
func (d *Dataset) GetStrings(tag Tag) []string {
	if element, exists := d.Elements[tag]; exists {
		switch v := element.Value.(type) {
		case string:
			parts := strings.Split(v, "\\")
			result := make([]string, len(parts))
			for i, part := range parts {
				result[i] = strings.TrimSpace(part)
			}
			return result
		case []string:
			return v
		}
	}
	return nil
}

// Parse decodes a complete dataset in the given transfer syntax. Encapsulated
// transfer syntaxes use explicit VR little endian for the dataset itself.
// Sequences are skipped.
func Parse(data []byte, transferSyntaxUID string) (*Dataset, error) {
	return newParser(data, transferSyntaxUID, false).parse()
}

// ParsePrefix decodes the leading elements of a dataset that may have been
// cut short. Decoding stops quietly at the first element that does not fit.
func ParsePrefix(data []byte, transferSyntaxUID string) (*Dataset, error) {
	return newParser(data, transferSyntaxUID, true).parse()
}

type parser struct {
	data      []byte
	pos       int
	order     binary.ByteOrder
	explicit  bool
	truncated bool
}

func newParser(data []byte, transferSyntaxUID string, truncated bool) *parser {
	p := &parser{
		data:      data,
		order:     binary.LittleEndian,
		explicit:  true,
		truncated: truncated,
	}
	switch transferSyntaxUID {
	case types.ImplicitVRLittleEndian:
		p.explicit = false
	case types.ExplicitVRBigEndian:
		p.order = binary.BigEndian
	}
	return p
}

func (p *parser) parse() (*Dataset, error) {
	dataset := NewDataset()
	for p.pos < len(p.data) {
		start := p.pos
		tag, vr, length, err := p.readHeader()
		if err != nil {
			return p.stop(dataset, start, err)
		}

		if length == undefinedLength {
			if err := p.skipUndefined(); err != nil {
				return p.stop(dataset, start, err)
			}
			continue
		}
		if p.pos+int(length) > len(p.data) {
			return p.stop(dataset, start, fmt.Errorf("%w: element %s length %d exceeds remaining %d bytes",
				ErrMalformed, tag, length, len(p.data)-p.pos))
		}
		raw := p.data[p.pos : p.pos+int(length)]
		p.pos += int(length)

		if vr == VR_SQ {
			continue
		}
		dataset.Elements[tag] = &Element{Tag: tag, VR: vr, Length: length, Value: decodeValue(vr, raw)}
	}
	return dataset, nil
}

func (p *parser) stop(dataset *Dataset, start int, err error) (*Dataset, error) {
	if p.truncated {
		p.pos = start
		return dataset, nil
	}
	return nil, err
}

func (p *parser) readHeader() (Tag, string, uint32, error) {
	if p.pos+8 > len(p.data) {
		return Tag{}, "", 0, fmt.Errorf("%w: truncated element header at offset %d", ErrMalformed, p.pos)
	}
	tag := Tag{Group: p.order.Uint16(p.data[p.pos:]), Element: p.order.Uint16(p.data[p.pos+2:])}

	// Item and delimitation tags never carry a VR.
	if !p.explicit || tag.Group == 0xFFFE {
		length := p.order.Uint32(p.data[p.pos+4:])
		p.pos += 8
		return tag, determineVR(tag), length, nil
	}

	vr := string(p.data[p.pos+4 : p.pos+6])
	if !isLongVR(vr) {
		length := uint32(p.order.Uint16(p.data[p.pos+6:]))
		p.pos += 8
		return tag, vr, length, nil
	}
	if p.pos+12 > len(p.data) {
		return Tag{}, "", 0, fmt.Errorf("%w: truncated element header at offset %d", ErrMalformed, p.pos)
	}
	length := p.order.Uint32(p.data[p.pos+8:])
	p.pos += 12
	return tag, vr, length, nil
}

// skipUndefined advances past an undefined length sequence or encapsulated
// pixel data, including nested items.
func (p *parser) skipUndefined() error {
	for {
		tag, _, length, err := p.readHeader()
		if err != nil {
			return err
		}
		switch {
		case tag == Tag{0xFFFE, 0xE0DD}:
			return nil
		case tag == Tag{0xFFFE, 0xE000} && length == undefinedLength:
			if err := p.skipItem(); err != nil {
				return err
			}
		case length == undefinedLength:
			if err := p.skipUndefined(); err != nil {
				return err
			}
		default:
			if p.pos+int(length) > len(p.data) {
				return fmt.Errorf("%w: item length %d exceeds data", ErrMalformed, length)
			}
			p.pos += int(length)
		}
	}
}

func (p *parser) skipItem() error {
	for {
		tag, _, length, err := p.readHeader()
		if err != nil {
			return err
		}
		if tag == (Tag{0xFFFE, 0xE00D}) {
			return nil
		}
		if length == undefinedLength {
			if err := p.skipUndefined(); err != nil {
				return err
			}
			continue
		}
		if p.pos+int(length) > len(p.data) {
			return fmt.Errorf("%w: element %s length %d exceeds data", ErrMalformed, tag, length)
		}
		p.pos += int(length)
	}
}

func isLongVR(vr string) bool {
	switch vr {
	case VR_OB, VR_OD, VR_OF, VR_OL, VR_OV, VR_OW, VR_SQ, VR_SV, VR_UC, VR_UN, VR_UR, VR_UT, VR_UV:
		return true
	}
	return false
}

func isTextVR(vr string) bool {
	switch vr {
	case VR_AE, VR_AS, VR_CS, VR_DA, VR_DS, VR_DT, VR_IS, VR_LO, VR_LT, VR_PN,
		VR_SH, VR_ST, VR_TM, VR_UC, VR_UI, VR_UR, VR_UT:
		return true
	}
	return false
}

func decodeValue(vr string, raw []byte) interface{} {
	if !isTextVR(vr) {
		value := make([]byte, len(raw))
		copy(value, raw)
		return value
	}
	value := string(raw)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

// determineVR looks up the VR of tags the receiver reads from implicit VR
// datasets. Everything else decodes as UN.
func determineVR(tag Tag) string {
	if tag.Element == 0x0000 {
		return VR_UL
	}
	switch tag {
	case Tag{0x0002, 0x0001}:
		return VR_OB
	case Tag{0x0002, 0x0002}, Tag{0x0002, 0x0003}, Tag{0x0002, 0x0010}, Tag{0x0002, 0x0012}:
		return VR_UI
	case Tag{0x0002, 0x0013}:
		return VR_SH
	case Tag{0x0002, 0x0016}:
		return VR_AE
	case Tag{0x0008, 0x0005}, TagModality, Tag{0x0008, 0x0008}:
		return VR_CS
	case TagSOPClassUID, TagSOPInstanceUID, TagStudyInstanceUID, TagSeriesInstanceUID:
		return VR_UI
	case TagStudyDate, Tag{0x0008, 0x0021}, Tag{0x0010, 0x0030}:
		return VR_DA
	case Tag{0x0008, 0x0030}, Tag{0x0008, 0x0031}:
		return VR_TM
	case TagAccessionNumber, TagStudyID:
		return VR_SH
	case Tag{0x0008, 0x0080}, TagStudyDescription, TagSeriesDescription, TagPatientID:
		return VR_LO
	case Tag{0x0008, 0x0090}, TagPatientName:
		return VR_PN
	case Tag{0x0010, 0x0040}, Tag{0x0018, 0x0015}:
		return VR_CS
	case Tag{0x0010, 0x1010}:
		return VR_AS
	case TagPatientComments, TagStudyComments:
		return VR_LT
	case TagSeriesNumber, TagInstanceNumber:
		return VR_IS
	case TagPixelData:
		return VR_OW
	default:
		return VR_UN
	}
}

func sortedTags(d *Dataset) []Tag {
	tags := make([]Tag, 0, len(d.Elements))
	for tag := range d.Elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].less(tags[j]) })
	return tags
}

// EncodeDataset encodes a dataset to bytes (Explicit VR Little Endian)
func (d *Dataset) EncodeDataset() []byte {
	var result []byte
	for _, tag := range sortedTags(d) {
		element := d.Elements[tag]

		result = binary.LittleEndian.AppendUint16(result, tag.Group)
		result = binary.LittleEndian.AppendUint16(result, tag.Element)
		result = append(result, element.VR...)

		valueBytes := encodeElementValue(element)
		if isLongVR(element.VR) {
			result = append(result, 0x00, 0x00)
			result = binary.LittleEndian.AppendUint32(result, uint32(len(valueBytes)))
		} else {
			if len(valueBytes) > 0xFFFE {
				valueBytes = valueBytes[:0xFFFE]
			}
			result = binary.LittleEndian.AppendUint16(result, uint16(len(valueBytes)))
		}
		result = append(result, valueBytes...)
	}
	return result
}

// EncodeDatasetWithTransferSyntax encodes a dataset using the provided transfer syntax.
func EncodeDatasetWithTransferSyntax(dataset *Dataset, transferSyntaxUID string) ([]byte, error) {
	if dataset == nil {
		return nil, nil
	}

	switch transferSyntaxUID {
	case types.ImplicitVRLittleEndian:
		return encodeImplicitVRDataset(dataset), nil
	case types.ExplicitVRBigEndian, types.DeflatedExplicitVRLittleEndian:
		return nil, fmt.Errorf("encoding %s is not supported", transferSyntaxUID)
	default:
		return dataset.EncodeDataset(), nil
	}
}

func encodeImplicitVRDataset(dataset *Dataset) []byte {
	var result []byte
	for _, tag := range sortedTags(dataset) {
		valueBytes := encodeElementValue(dataset.Elements[tag])
		result = binary.LittleEndian.AppendUint16(result, tag.Group)
		result = binary.LittleEndian.AppendUint16(result, tag.Element)
		result = binary.LittleEndian.AppendUint32(result, uint32(len(valueBytes)))
		result = append(result, valueBytes...)
	}
	return result
}

// encodeElementValue encodes an element value padded to even length.
func encodeElementValue(element *Element) []byte {
	var out []byte
	switch v := element.Value.(type) {
	case string:
		out = []byte(strings.TrimRight(v, "\x00"))
	case []string:
		out = []byte(strings.TrimRight(strings.Join(v, "\\"), "\x00"))
	case []byte:
		out = v
	case int:
		out = []byte(fmt.Sprintf("%d", v))
	case uint16:
		out = binary.LittleEndian.AppendUint16(nil, v)
	case uint32:
		out = binary.LittleEndian.AppendUint32(nil, v)
	default:
		out = []byte(fmt.Sprintf("%v", v))
	}

	if len(out)%2 == 1 {
		pad := byte(0x20)
		if element.VR == VR_UI || !isTextVR(element.VR) {
			pad = 0x00
		}
		out = append(out, pad)
	}
	return out
}
