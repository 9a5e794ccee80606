// Package dicomfile extracts attributes and pixel frames from DICOM Part 10
// files. Parser is an interface so the store pipeline can be exercised with
// synthetic instances.
package dicomfile

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dicomkit/dicomweb-server/internal/dicomjson"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var (
	// ErrNotDICOM is returned when the payload is not a parseable Part 10 file.
	ErrNotDICOM = errors.New("dicomfile: not a valid DICOM file")
	// ErrMissingUID is returned when a required instance UID is absent.
	ErrMissingUID = errors.New("dicomfile: missing required UID")
	// ErrNoPixelData is returned by frame extraction when the instance has no
	// pixel data.
	ErrNoPixelData = errors.New("dicomfile: instance has no pixel data")
	// ErrFrameOutOfRange is returned for frame numbers past the last frame.
	ErrFrameOutOfRange = errors.New("dicomfile: frame number out of range")
)

// Attributes is the result of parsing one instance: the identifying UIDs and
// the full dataset in its JSON representation (pixel data excluded).
type Attributes struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
	Dataset           dicomjson.Dataset
}

// Parser turns Part 10 bytes into attributes and frames.
type Parser interface {
	Extract(data []byte) (*Attributes, error)
	// ExtractFrames returns the raw bytes of the requested frames. Frame
	// numbers are one-based.
	ExtractFrames(data []byte, frames []int) ([][]byte, error)
}

// PartTenParser is the production Parser.
type PartTenParser struct{}

// NewParser creates a PartTenParser.
func NewParser() *PartTenParser { return &PartTenParser{} }

// Extract parses the file and maps every element except file meta and pixel
// data into the JSON dataset.
func (p *PartTenParser) Extract(data []byte) (*Attributes, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDICOM, err)
	}

	attrs := &Attributes{Dataset: dicomjson.Dataset{}}
	for _, el := range ds.Elements {
		if el.Tag.Group == 0x0002 {
			if el.Tag == tag.TransferSyntaxUID {
				attrs.TransferSyntaxUID = firstString(el)
			}
			continue
		}
		if el.Tag == tag.PixelData {
			continue
		}
		key := fmt.Sprintf("%04X%04X", el.Tag.Group, el.Tag.Element)
		attr, ok := convertElement(el)
		if !ok {
			continue
		}
		attrs.Dataset[key] = attr
	}

	attrs.StudyInstanceUID = attrs.Dataset.String(dicomjson.TagStudyInstanceUID)
	attrs.SeriesInstanceUID = attrs.Dataset.String(dicomjson.TagSeriesInstanceUID)
	attrs.SOPInstanceUID = attrs.Dataset.String(dicomjson.TagSOPInstanceUID)
	attrs.SOPClassUID = attrs.Dataset.String(dicomjson.TagSOPClassUID)

	switch {
	case attrs.StudyInstanceUID == "":
		return nil, fmt.Errorf("%w: StudyInstanceUID", ErrMissingUID)
	case attrs.SeriesInstanceUID == "":
		return nil, fmt.Errorf("%w: SeriesInstanceUID", ErrMissingUID)
	case attrs.SOPInstanceUID == "":
		return nil, fmt.Errorf("%w: SOPInstanceUID", ErrMissingUID)
	}
	return attrs, nil
}

// ExtractFrames decodes the pixel data and returns the requested frames as
// raw byte slices. Encapsulated frames come back as their fragment bytes;
// native frames are packed little-endian at the sample depth.
func (p *PartTenParser) ExtractFrames(data []byte, frames []int) ([][]byte, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDICOM, err)
	}
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, ErrNoPixelData
	}
	if el.Value.ValueType() != dicom.PixelData {
		return nil, ErrNoPixelData
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) == 0 {
		return nil, ErrNoPixelData
	}

	out := make([][]byte, 0, len(frames))
	for _, n := range frames {
		if n < 1 || n > len(info.Frames) {
			return nil, fmt.Errorf("%w: frame %d of %d", ErrFrameOutOfRange, n, len(info.Frames))
		}
		f := info.Frames[n-1]
		if f.IsEncapsulated() {
			out = append(out, f.EncapsulatedData.Data)
			continue
		}
		out = append(out, packNativeFrame(f.NativeData))
	}
	return out, nil
}

// packNativeFrame flattens a native frame into little-endian bytes at the
// frame's sample depth. The raw slice type follows BitsPerSample (8 → []uint8,
// 16 → []uint16, 32 → []uint32); anything else goes through the per-pixel
// accessor.
func packNativeFrame(n frame.INativeFrame) []byte {
	switch raw := n.RawDataSlice().(type) {
	case []uint8:
		return append([]byte(nil), raw...)
	case []uint16:
		buf := make([]byte, 0, len(raw)*2)
		for _, s := range raw {
			buf = binary.LittleEndian.AppendUint16(buf, s)
		}
		return buf
	case []uint32:
		buf := make([]byte, 0, len(raw)*4)
		for _, s := range raw {
			buf = binary.LittleEndian.AppendUint32(buf, s)
		}
		return buf
	}

	bytesPerSample := n.BitsPerSample() / 8
	if bytesPerSample < 1 {
		bytesPerSample = 1
	}
	buf := make([]byte, 0, n.Rows()*n.Cols()*n.SamplesPerPixel()*bytesPerSample)
	scratch := make([]byte, 8)
	for y := 0; y < n.Rows(); y++ {
		for x := 0; x < n.Cols(); x++ {
			samples, err := n.GetPixel(x, y)
			if err != nil {
				return buf
			}
			for _, s := range samples {
				binary.LittleEndian.PutUint64(scratch, uint64(s))
				buf = append(buf, scratch[:bytesPerSample]...)
			}
		}
	}
	return buf
}

func firstString(el *dicom.Element) string {
	if ss, ok := el.Value.GetValue().([]string); ok && len(ss) > 0 {
		return ss[0]
	}
	return ""
}

func convertElement(el *dicom.Element) (dicomjson.Attribute, bool) {
	vr := el.RawValueRepresentation
	switch el.Value.ValueType() {
	case dicom.Strings:
		ss, _ := el.Value.GetValue().([]string)
		vals := make([]dicomjson.Value, 0, len(ss))
		for _, s := range ss {
			if s == "" {
				continue
			}
			if vr == "PN" {
				vals = append(vals, dicomjson.Person(s))
			} else {
				vals = append(vals, dicomjson.String(s))
			}
		}
		return dicomjson.Attribute{VR: vr, Value: vals}, true
	case dicom.Ints:
		ns, _ := el.Value.GetValue().([]int)
		vals := make([]dicomjson.Value, len(ns))
		for i, n := range ns {
			vals[i] = dicomjson.Number(float64(n))
		}
		return dicomjson.Attribute{VR: vr, Value: vals}, true
	case dicom.Floats:
		fs, _ := el.Value.GetValue().([]float64)
		vals := make([]dicomjson.Value, len(fs))
		for i, f := range fs {
			vals[i] = dicomjson.Number(f)
		}
		return dicomjson.Attribute{VR: vr, Value: vals}, true
	case dicom.Bytes:
		bs, _ := el.Value.GetValue().([]byte)
		return dicomjson.Attribute{VR: vr, InlineBinary: base64.StdEncoding.EncodeToString(bs)}, true
	case dicom.Sequences:
		items, _ := el.Value.GetValue().([]*dicom.SequenceItemValue)
		vals := make([]dicomjson.Value, 0, len(items))
		for _, item := range items {
			elems, _ := item.GetValue().([]*dicom.Element)
			vals = append(vals, dicomjson.Item(datasetFromElements(elems)))
		}
		return dicomjson.Attribute{VR: vr, Value: vals}, true
	}
	return dicomjson.Attribute{}, false
}

func datasetFromElements(elems []*dicom.Element) dicomjson.Dataset {
	d := dicomjson.Dataset{}
	for _, el := range elems {
		key := fmt.Sprintf("%04X%04X", el.Tag.Group, el.Tag.Element)
		if attr, ok := convertElement(el); ok {
			d[key] = attr
		}
	}
	return d
}
