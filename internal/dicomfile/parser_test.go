package dicomfile_test

import (
	"bytes"
	"testing"

	"github.com/dicomkit/dicomweb-server/internal/dicomfile"
	"github.com/dicomkit/dicomweb-server/internal/dicomjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"github.com/suyashkumar/dicom/pkg/uid"
)

func mustElement(t *testing.T, tg tag.Tag, data any) *dicom.Element {
	t.Helper()
	el, err := dicom.NewElement(tg, data)
	require.NoError(t, err)
	return el
}

func writePartTen(t *testing.T, elements []*dicom.Element) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, dicom.Write(&buf, dicom.Dataset{Elements: elements}))
	return buf.Bytes()
}

// ctFile builds a two-frame 16-bit CT object.
func ctFile(t *testing.T) []byte {
	t.Helper()
	return writePartTen(t, []*dicom.Element{
		mustElement(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
		mustElement(t, tag.MediaStorageSOPInstanceUID, []string{"1.1.1.1"}),
		mustElement(t, tag.TransferSyntaxUID, []string{uid.ExplicitVRLittleEndian}),
		mustElement(t, tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
		mustElement(t, tag.SOPInstanceUID, []string{"1.1.1.1"}),
		mustElement(t, tag.Modality, []string{"CT"}),
		mustElement(t, tag.PatientName, []string{"DOE^JOHN"}),
		mustElement(t, tag.StudyInstanceUID, []string{"1.1"}),
		mustElement(t, tag.SeriesInstanceUID, []string{"1.1.1"}),
		mustElement(t, tag.SamplesPerPixel, []int{1}),
		mustElement(t, tag.NumberOfFrames, []string{"2"}),
		mustElement(t, tag.Rows, []int{2}),
		mustElement(t, tag.Columns, []int{2}),
		mustElement(t, tag.BitsAllocated, []int{16}),
		mustElement(t, tag.PixelData, dicom.PixelDataInfo{
			IsEncapsulated: false,
			Frames: []*frame.Frame{
				{NativeData: &frame.NativeFrame[uint16]{
					InternalBitsPerSample:   16,
					InternalRows:            2,
					InternalCols:            2,
					InternalSamplesPerPixel: 1,
					RawData:                 []uint16{0x0102, 0x0304, 0x0506, 0x0708},
				}},
				{NativeData: &frame.NativeFrame[uint16]{
					InternalBitsPerSample:   16,
					InternalRows:            2,
					InternalCols:            2,
					InternalSamplesPerPixel: 1,
					RawData:                 []uint16{10, 20, 30, 40},
				}},
			},
		}),
	})
}

func TestExtractFromPartTenFile(t *testing.T) {
	p := dicomfile.NewParser()

	attrs, err := p.Extract(ctFile(t))
	require.NoError(t, err)

	assert.Equal(t, "1.1", attrs.StudyInstanceUID)
	assert.Equal(t, "1.1.1", attrs.SeriesInstanceUID)
	assert.Equal(t, "1.1.1.1", attrs.SOPInstanceUID)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.2", attrs.SOPClassUID)
	assert.Equal(t, uid.ExplicitVRLittleEndian, attrs.TransferSyntaxUID)

	assert.Equal(t, "DOE^JOHN", attrs.Dataset.String(dicomjson.TagPatientName))
	assert.Equal(t, "CT", attrs.Dataset.String(dicomjson.TagModality))
	rows, ok := attrs.Dataset.Int("00280010")
	require.True(t, ok)
	assert.Equal(t, 2, rows)

	assert.False(t, attrs.Dataset.Has(dicomjson.TagPixelData), "pixel data stays out of the JSON dataset")
	assert.False(t, attrs.Dataset.Has("00020010"), "file meta stays out of the JSON dataset")
}

func TestExtractRejectsGarbage(t *testing.T) {
	p := dicomfile.NewParser()
	_, err := p.Extract([]byte("not a dicom file"))
	assert.ErrorIs(t, err, dicomfile.ErrNotDICOM)
}

func TestExtractRequiresInstanceUIDs(t *testing.T) {
	p := dicomfile.NewParser()
	data := writePartTen(t, []*dicom.Element{
		mustElement(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
		mustElement(t, tag.MediaStorageSOPInstanceUID, []string{"1.1.1.1"}),
		mustElement(t, tag.TransferSyntaxUID, []string{uid.ExplicitVRLittleEndian}),
		mustElement(t, tag.SOPInstanceUID, []string{"1.1.1.1"}),
		mustElement(t, tag.StudyInstanceUID, []string{"1.1"}),
	})
	// SeriesInstanceUID is absent.
	_, err := p.Extract(data)
	assert.ErrorIs(t, err, dicomfile.ErrMissingUID)
}

func TestExtractFramesPacksNativeLittleEndian(t *testing.T) {
	p := dicomfile.NewParser()

	frames, err := p.ExtractFrames(ctFile(t), []int{2, 1})
	require.NoError(t, err)
	require.Len(t, frames, 2)

	assert.Equal(t, []byte{10, 0, 20, 0, 30, 0, 40, 0}, frames[0])
	assert.Equal(t, []byte{0x02, 0x01, 0x04, 0x03, 0x06, 0x05, 0x08, 0x07}, frames[1])
}

func TestExtractFramesOutOfRange(t *testing.T) {
	p := dicomfile.NewParser()
	_, err := p.ExtractFrames(ctFile(t), []int{3})
	assert.ErrorIs(t, err, dicomfile.ErrFrameOutOfRange)
}

func TestExtractFramesWithoutPixelData(t *testing.T) {
	p := dicomfile.NewParser()
	data := writePartTen(t, []*dicom.Element{
		mustElement(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
		mustElement(t, tag.MediaStorageSOPInstanceUID, []string{"1.1.1.1"}),
		mustElement(t, tag.TransferSyntaxUID, []string{uid.ExplicitVRLittleEndian}),
		mustElement(t, tag.SOPInstanceUID, []string{"1.1.1.1"}),
		mustElement(t, tag.StudyInstanceUID, []string{"1.1"}),
		mustElement(t, tag.SeriesInstanceUID, []string{"1.1.1"}),
	})
	_, err := p.ExtractFrames(data, []int{1})
	assert.ErrorIs(t, err, dicomfile.ErrNoPixelData)
}
