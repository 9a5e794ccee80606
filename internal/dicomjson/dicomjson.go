// Package dicomjson models the DICOM PS3.18 Annex F JSON representation:
// datasets keyed by eight-digit hex tags, each attribute carrying its VR and a
// heterogeneous Value array (strings, numbers, person names, sequence items,
// inline binary or bulk data references).
package dicomjson

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Dataset is a DICOM dataset in its JSON form, keyed by tag ("0020000D").
type Dataset map[string]Attribute

// Attribute is a single DICOM attribute: VR plus value(s).
type Attribute struct {
	VR           string
	Value        []Value
	InlineBinary string
	BulkDataURI  string
}

// ValueKind discriminates the Value union.
type ValueKind int

const (
	StringKind ValueKind = iota
	NumberKind
	PersonNameKind
	ItemKind
	NullKind
)

// Value is one entry of an attribute's Value array.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Name PersonName
	Item Dataset
}

// PersonName is the PN component-group object of Annex F.
type PersonName struct {
	Alphabetic  string `json:"Alphabetic,omitempty"`
	Ideographic string `json:"Ideographic,omitempty"`
	Phonetic    string `json:"Phonetic,omitempty"`
}

// String constructs a string value.
func String(s string) Value { return Value{Kind: StringKind, Str: s} }

// Number constructs a numeric value.
func Number(n float64) Value { return Value{Kind: NumberKind, Num: n} }

// Person constructs a person-name value with an alphabetic group.
func Person(alphabetic string) Value {
	return Value{Kind: PersonNameKind, Name: PersonName{Alphabetic: alphabetic}}
}

// Item constructs a sequence-item value.
func Item(d Dataset) Value { return Value{Kind: ItemKind, Item: d} }

/// MarshalJSON renders the attribute per Annex F: the vr member first, then
// exactly one of Value, InlineBinary or BulkDataURI when present.
func (a Attribute) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, 2)
	obj["vr"] = a.VR
	switch {
	case a.InlineBinary != "":
		obj["InlineBinary"] = a.InlineBinary
	case a.BulkDataURI != "":
		obj["BulkDataURI"] = a.BulkDataURI
	case len(a.Value) > 0:
		obj["Value"] = a.Value
	}
	return json.Marshal(obj)
}

// UnmarshalJSON parses an Annex F attribute object.
func (a *Attribute) UnmarshalJSON(data []byte) error {
	var raw struct {
		VR           string            `json:"vr"`
		Value        []json.RawMessage `json:"Value"`
		InlineBinary string            `json:"InlineBinary"`
		BulkDataURI  string            `json:"BulkDataURI"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.VR = raw.VR
	a.InlineBinary = raw.InlineBinary
	a.BulkDataURI = raw.BulkDataURI
	a.Value = nil
	for _, rv := range raw.Value {
		var v Value
		if err := v.UnmarshalJSON(rv); err != nil {
			return err
		}
		a.Value = append(a.Value, v)
	}
	return nil
}

// MarshalJSON renders the union member.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case StringKind:
		return json.Marshal(v.Str)
	case NumberKind:
		// Integral numbers are emitted without a fraction.
		if v.Num == float64(int64(v.Num)) {
			return json.Marshal(int64(v.Num))
		}
		return json.Marshal(v.Num)
	case PersonNameKind:
		return json.Marshal(v.Name)
	case ItemKind:
		return json.Marshal(v.Item)
	case NullKind:
		return []byte("null"), nil
	}
	return nil, fmt.Errorf("unknown value kind %d", v.Kind)
}

// UnmarshalJSON detects the union member from the JSON shape: scalars map to
// string/number, objects holding only PN component groups map to PersonName,
// any other object is a sequence item.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		v.Kind = NullKind
		return nil
	}
	switch data[0] {
	case '"':
		v.Kind = StringKind
		return json.Unmarshal(data, &v.Str)
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		if isPersonName(obj) {
			v.Kind = PersonNameKind
			return json.Unmarshal(data, &v.Name)
		}
		v.Kind = ItemKind
		v.Item = Dataset{}
		return json.Unmarshal(data, &v.Item)
	default:
		v.Kind = NumberKind
		return json.Unmarshal(data, &v.Num)
	}
}

func isPersonName(obj map[string]json.RawMessage) bool {
	if len(obj) == 0 {
		return false
	}
	for k := range obj {
		switch k {
		case "Alphabetic", "Ideographic", "Phonetic":
		default:
			return false
		}
	}
	return true
}

// SetString sets a multi-valued string attribute.
func (d Dataset) SetString(tag, vr string, values ...string) {
	vals := make([]Value, 0, len(values))
	for _, s := range values {
		if s == "" {
			continue
		}
		vals = append(vals, String(s))
	}
	if len(vals) == 0 {
		return
	}
	d[tag] = Attribute{VR: vr, Value: vals}
}

// SetInt sets a multi-valued integer attribute.
func (d Dataset) SetInt(tag, vr string, values ...int) {
	vals := make([]Value, len(values))
	for i, n := range values {
		vals[i] = Number(float64(n))
	}
	d[tag] = Attribute{VR: vr, Value: vals}
}

// SetPersonName sets a PN attribute from an alphabetic group.
func (d Dataset) SetPersonName(tag, alphabetic string) {
	if alphabetic == "" {
		return
	}
	d[tag] = Attribute{VR: "PN", Value: []Value{Person(alphabetic)}}
}

// SetSequence sets a SQ attribute from item datasets.
func (d Dataset) SetSequence(tag string, items ...Dataset) {
	vals := make([]Value, len(items))
	for i, it := range items {
		vals[i] = Item(it)
	}
	d[tag] = Attribute{VR: "SQ", Value: vals}
}

// String returns the first value of the attribute rendered as a string.
// PN attributes yield the alphabetic group.
func (d Dataset) String(tag string) string {
	a, ok := d[tag]
	if !ok || len(a.Value) == 0 {
		return ""
	}
	return a.Value[0].AsString()
}

// Strings returns every value of the attribute rendered as strings.
func (d Dataset) Strings(tag string) []string {
	a, ok := d[tag]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(a.Value))
	for _, v := range a.Value {
		out = append(out, v.AsString())
	}
	return out
}

// Int returns the first value of the attribute as an int.
func (d Dataset) Int(tag string) (int, bool) {
	a, ok := d[tag]
	if !ok || len(a.Value) == 0 {
		return 0, false
	}
	v := a.Value[0]
	switch v.Kind {
	case NumberKind:
		return int(v.Num), true
	case StringKind:
		n, err := strconv.Atoi(v.Str)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Sequence returns the item datasets of a SQ attribute.
func (d Dataset) Sequence(tag string) []Dataset {
	a, ok := d[tag]
	if !ok {
		return nil
	}
	items := make([]Dataset, 0, len(a.Value))
	for _, v := range a.Value {
		if v.Kind == ItemKind {
			items = append(items, v.Item)
		}
	}
	return items
}

// Has reports whether the tag is present with at least one value.
func (d Dataset) Has(tag string) bool {
	a, ok := d[tag]
	return ok && (len(a.Value) > 0 || a.InlineBinary != "" || a.BulkDataURI != "")
}

// Tags returns the dataset's tags in ascending order.
func (d Dataset) Tags() []string {
	tags := make([]string, 0, len(d))
	for t := range d {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// AsString renders a single value as a string.
func (v Value) AsString() string {
	switch v.Kind {
	case StringKind:
		return v.Str
	case NumberKind:
		if v.Num == float64(int64(v.Num)) {
			return strconv.FormatInt(int64(v.Num), 10)
		}
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case PersonNameKind:
		return v.Name.Alphabetic
	}
	return ""
}
