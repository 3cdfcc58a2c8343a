package transform

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// Value is a Source scalar kept in textual form. It remembers whether the
// key was present in the payload so partial updates can tell "absent" from
// "empty".
type Value struct {
	text    string
	present bool
	null    bool
}

// Text returns a present Value holding text.
func Text(text string) Value {
	return Value{text: text, present: true}
}

// UnmarshalJSON accepts any JSON value. Strings, numbers and booleans keep
// their literal text; objects and arrays keep their raw encoding.
func (v *Value) UnmarshalJSON(data []byte) error {
	v.present = true
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		v.null = true
		v.text = ""
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		v.text = text
		return nil
	}
	v.text = string(trimmed)
	return nil
}

// MarshalJSON encodes absent and null values as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.present || v.null {
		return []byte("null"), nil
	}
	return json.Marshal(v.text)
}

// String returns the textual value.
func (v Value) String() string {
	return v.text
}

// Present reports whether the key appeared in the payload.
func (v Value) Present() bool {
	return v.present
}

// IsEmpty reports whether the value is absent, null, blank or the literal NULL.
func (v Value) IsEmpty() bool {
	return !v.present || v.null || cleanText(v.text) == ""
}

// PropertyField identifies a Target field fed by a Source property code.
type PropertyField int

const (
	PropertyUnknown PropertyField = iota
	PropertyRecipientPhone
	PropertyRecipientName
	PropertyRecipientEmail
	PropertyDeliveryAddress
	PropertyCityName
	PropertyCityID
	PropertyDeliveryTime
	PropertyDeliveryDate
	PropertyPostcardText
	PropertyPickupFlag
)

var propertyCodes = map[string]PropertyField{
	"PHONE":            PropertyRecipientPhone,
	"phoneRecipient":   PropertyRecipientPhone,
	"FIO":              PropertyRecipientName,
	"RECIPIENT_NAME":   PropertyRecipientName,
	"nameRecipient":    PropertyRecipientName,
	"EMAIL":            PropertyRecipientEmail,
	"ADDRESS":          PropertyDeliveryAddress,
	"addressRecipient": PropertyDeliveryAddress,
	"CITY":             PropertyCityName,
	"city":             PropertyCityID,
	"DELIVERY_TIME":    PropertyDeliveryTime,
	"data":             PropertyDeliveryDate,
	"postcardText":     PropertyPostcardText,
	"iWillGet":         PropertyPickupFlag,
	"pickup":           PropertyPickupFlag,
}

// LookupProperty maps a Source property code to its Target field.
func LookupProperty(code string) PropertyField {
	return propertyCodes[code]
}

// Property is one entry of the Source property bag. Field is
// PropertyUnknown for codes without a mapping.
type Property struct {
	Code  string
	Name  string
	Value string
	Field PropertyField
}

// Known reports whether the property maps onto a Target field.
func (p Property) Known() bool {
	return p.Field != PropertyUnknown
}

// Properties is the Source property bag, sorted by code. Entries with empty
// values are dropped during decoding.
type Properties struct {
	entries []Property
	present bool
}

// NewProperties builds a bag from already extracted entries.
func NewProperties(entries ...Property) Properties {
	bag := Properties{present: true}
	for _, entry := range entries {
		bag.add(entry.Code, entry.Name, entry.Value)
	}
	bag.sort()
	return bag
}

// UnmarshalJSON accepts either an object keyed by code, whose values are
// scalars or {CODE, NAME, VALUE} objects, or an array of such objects.
// Any other shape decodes to an empty bag.
func (p *Properties) UnmarshalJSON(data []byte) error {
	p.present = true
	p.entries = nil
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil
		}
		for key, element := range raw {
			code, name, value := decodePropertyElement(key, element)
			p.add(code, name, value)
		}
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil
		}
		for _, element := range raw {
			code, name, value := decodePropertyElement("", element)
			p.add(code, name, value)
		}
	}
	p.sort()
	return nil
}

// MarshalJSON encodes the bag as an object keyed by code.
func (p Properties) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(p.entries))
	for _, entry := range p.entries {
		out[entry.Code] = entry.Value
	}
	return json.Marshal(out)
}

// Present reports whether the payload carried a property bag.
func (p Properties) Present() bool {
	return p.present
}

// Entries returns the decoded properties.
func (p Properties) Entries() []Property {
	return append([]Property(nil), p.entries...)
}

// Unmapped returns code to value for every property without a Target field.
func (p Properties) Unmapped() map[string]string {
	var out map[string]string
	for _, entry := range p.entries {
		if entry.Known() {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[entry.Code] = entry.Value
	}
	return out
}

// IsPickup reports whether any pickup flag is set.
func (p Properties) IsPickup() bool {
	for _, entry := range p.entries {
		if entry.Field == PropertyPickupFlag && isFlagSet(entry.Value) {
			return true
		}
	}
	return false
}

func (p *Properties) add(code, name, value string) {
	code = strings.TrimSpace(code)
	value = cleanText(value)
	if code == "" || value == "" {
		return
	}
	for index := range p.entries {
		if p.entries[index].Code == code {
			p.entries[index].Value = value
			return
		}
	}
	p.entries = append(p.entries, Property{
		Code:  code,
		Name:  strings.TrimSpace(name),
		Value: value,
		Field: LookupProperty(code),
	})
}

func (p *Properties) sort() {
	sort.Slice(p.entries, func(i, j int) bool {
		return p.entries[i].Code < p.entries[j].Code
	})
}

type propertyObject struct {
	Code  Value           `json:"CODE"`
	Name  Value           `json:"NAME"`
	Value json.RawMessage `json:"VALUE"`
}

func decodePropertyElement(key string, element json.RawMessage) (string, string, string) {
	trimmed := bytes.TrimSpace(element)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var object propertyObject
		if err := json.Unmarshal(trimmed, &object); err == nil && object.Value != nil {
			code := key
			if !object.Code.IsEmpty() {
				code = object.Code.String()
			}
			return code, object.Name.String(), propertyScalar(object.Value)
		}
	}
	return key, "", propertyScalar(trimmed)
}

// propertyScalar flattens a property value. Arrays join their scalar
// members with ", ".
func propertyScalar(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []Value
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return ""
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			if !item.IsEmpty() {
				parts = append(parts, cleanText(item.String()))
			}
		}
		return strings.Join(parts, ", ")
	}
	var value Value
	if err := value.UnmarshalJSON(trimmed); err != nil {
		return ""
	}
	return value.String()
}
