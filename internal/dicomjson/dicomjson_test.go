package dicomjson_test

import (
	"encoding/json"
	"testing"

	"github.com/dicomkit/dicomweb-server/internal/dicomjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributeMarshalShape(t *testing.T) {
	d := dicomjson.Dataset{}
	d.SetString(dicomjson.TagStudyInstanceUID, "UI", "1.2.3")
	d.SetPersonName(dicomjson.TagPatientName, "DOE^JOHN")
	d.SetInt(dicomjson.TagSeriesNumber, "IS", 2)

	raw, err := json.Marshal(d)
	require.NoError(t, err)

	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	uid := decoded[dicomjson.TagStudyInstanceUID]
	assert.Equal(t, "UI", uid["vr"])
	assert.Equal(t, []any{"1.2.3"}, uid["Value"])

	pn := decoded[dicomjson.TagPatientName]
	assert.Equal(t, "PN", pn["vr"])
	assert.Equal(t, []any{map[string]any{"Alphabetic": "DOE^JOHN"}}, pn["Value"])

	num := decoded[dicomjson.TagSeriesNumber]
	assert.Equal(t, []any{float64(2)}, num["Value"])
}

func TestUnmarshalDetectsUnionMembers(t *testing.T) {
	raw := []byte(`{
		"00100010": {"vr": "PN", "Value": [{"Alphabetic": "DOE^JANE"}]},
		"00200011": {"vr": "IS", "Value": [7]},
		"0020000D": {"vr": "UI", "Value": ["1.2.3"]},
		"00081199": {"vr": "SQ", "Value": [{"00081155": {"vr": "UI", "Value": ["4.5.6"]}}]},
		"7FE00010": {"vr": "OB", "BulkDataURI": "http://example.com/bulk"}
	}`)

	var d dicomjson.Dataset
	require.NoError(t, json.Unmarshal(raw, &d))

	assert.Equal(t, "DOE^JANE", d.String(dicomjson.TagPatientName))

	n, ok := d.Int(dicomjson.TagSeriesNumber)
	require.True(t, ok)
	assert.Equal(t, 7, n)

	assert.Equal(t, "1.2.3", d.String(dicomjson.TagStudyInstanceUID))

	items := d.Sequence(dicomjson.TagReferencedSOPSequence)
	require.Len(t, items, 1)
	assert.Equal(t, "4.5.6", items[0].String(dicomjson.TagReferencedSOPInstanceUID))

	assert.Equal(t, "http://example.com/bulk", d[dicomjson.TagPixelData].BulkDataURI)
	assert.True(t, d.Has(dicomjson.TagPixelData))
}

func TestRoundtrip(t *testing.T) {
	d := dicomjson.Dataset{}
	d.SetString(dicomjson.TagModality, "CS", "CT", "MR")
	d.SetPersonName(dicomjson.TagPatientName, "DOE^JOHN")
	d.SetSequence(dicomjson.TagReferencedSOPSequence, dicomjson.Dataset{
		dicomjson.TagReferencedSOPInstanceUID: {VR: "UI", Value: []dicomjson.Value{dicomjson.String("9.9")}},
	})

	raw, err := json.Marshal(d)
	require.NoError(t, err)

	var back dicomjson.Dataset
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, d, back)
}

func TestPersonNameDetectionIsStrict(t *testing.T) {
	// An object with a non-PN key is a sequence item, not a person name.
	raw := []byte(`{"0040A168": {"vr": "SQ", "Value": [{"00081155": {"vr": "UI", "Value": ["1.2"]}}]}}`)
	var d dicomjson.Dataset
	require.NoError(t, json.Unmarshal(raw, &d))

	vals := d["0040A168"].Value
	require.Len(t, vals, 1)
	assert.Equal(t, dicomjson.ItemKind, vals[0].Kind)
	assert.Equal(t, "1.2", vals[0].Item.String(dicomjson.TagReferencedSOPInstanceUID))
}

func TestDatasetHelpers(t *testing.T) {
	d := dicomjson.Dataset{}
	d.SetString(dicomjson.TagModality, "CS", "CT", "", "MR")

	assert.Equal(t, []string{"CT", "MR"}, d.Strings(dicomjson.TagModality), "empty values are dropped")
	assert.Equal(t, "CT", d.String(dicomjson.TagModality))
	assert.False(t, d.Has(dicomjson.TagPatientID))

	d.SetString(dicomjson.TagPatientID, "LO")
	assert.False(t, d.Has(dicomjson.TagPatientID), "all-empty SetString stores nothing")

	d.SetString(dicomjson.TagStudyInstanceUID, "UI", "1.2")
	assert.Equal(t, []string{dicomjson.TagModality, dicomjson.TagStudyInstanceUID}, d.Tags())
}
