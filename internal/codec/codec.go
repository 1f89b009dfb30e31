// Package codec maps record field values to and from the attribute format of
// the indexed database.
//
// Encoding is a closed dispatch over the supported kinds; any other value is a
// programmer error and panics. Dates and asset references share the string
// attribute and are told apart by prefix. Decoding restores asset references
// but leaves date strings as strings.
package codec

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bleepstore/rfstore/internal/record"
)

// DatePrefix marks a string attribute holding an encoded date. The value is
// part of the persisted format and must not change.
const DatePrefix = "__Date:"

// DateLayout is the ISO 8601 layout used after DatePrefix.
const DateLayout = "2006-01-02T15:04:05Z07:00"

var bytesType = reflect.TypeOf([]byte(nil))

// Encode converts a field value to an attribute value.
func Encode(v any) types.AttributeValue {
	switch x := v.(type) {
	case []byte:
		return &types.AttributeValueMemberB{Value: x}
	case [][]byte:
		return &types.AttributeValueMemberBS{Value: x}
	case bool:
		return &types.AttributeValueMemberBOOL{Value: x}
	case string:
		return &types.AttributeValueMemberS{Value: x}
	case record.AssetReference:
		return &types.AttributeValueMemberS{Value: x.String()}
	case time.Time:
		return &types.AttributeValueMemberS{Value: EncodeDate(x)}
	case map[string]any:
		m := make(map[string]types.AttributeValue, len(x))
		for k, e := range x {
			m[k] = Encode(e)
		}
		return &types.AttributeValueMemberM{Value: m}
	}

	rv := reflect.ValueOf(v)
	if n, ok := formatNumber(rv); ok {
		return &types.AttributeValueMemberN{Value: n}
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return encodeList(rv)
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			m := make(map[string]types.AttributeValue, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				m[iter.Key().String()] = Encode(iter.Value().Interface())
			}
			return &types.AttributeValueMemberM{Value: m}
		}
	}
	panic(fmt.Sprintf("codec: value of type %T is not a storable field value", v))
}

// encodeList picks a set type when every element is a number or every element
// is a string, and falls back to a list otherwise. Empty lists encode as an
// empty list since the database rejects empty sets.
func encodeList(rv reflect.Value) types.AttributeValue {
	n := rv.Len()
	if n == 0 {
		return &types.AttributeValueMemberL{Value: []types.AttributeValue{}}
	}

	numbers := make([]string, 0, n)
	strs := make([]string, 0, n)
	var blobs [][]byte
	for i := 0; i < n; i++ {
		e := elem(rv.Index(i))
		if num, ok := formatNumber(e); ok {
			numbers = append(numbers, num)
			continue
		}
		if e.IsValid() && e.Kind() == reflect.String {
			strs = append(strs, e.String())
			continue
		}
		if e.IsValid() && e.Type() == bytesType {
			blobs = append(blobs, e.Bytes())
		}
	}
	switch {
	case len(blobs) == n:
		return &types.AttributeValueMemberBS{Value: blobs}
	case len(numbers) == n:
		return &types.AttributeValueMemberNS{Value: numbers}
	case len(strs) == n:
		return &types.AttributeValueMemberSS{Value: strs}
	}

	list := make([]types.AttributeValue, n)
	for i := 0; i < n; i++ {
		list[i] = Encode(rv.Index(i).Interface())
	}
	return &types.AttributeValueMemberL{Value: list}
}

func elem(v reflect.Value) reflect.Value {
	if v.Kind() == reflect.Interface {
		return v.Elem()
	}
	return v
}

func formatNumber(rv reflect.Value) (string, bool) {
	if !rv.IsValid() {
		return "", false
	}
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), true
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 32), true
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64), true
	}
	return "", false
}

// EncodeDate returns the tagged string form of t.
func EncodeDate(t time.Time) string {
	return DatePrefix + t.UTC().Format(DateLayout)
}

// Decode converts an attribute value back to a field value. Numbers decode to
// int64 when integral and float64 otherwise. A string carrying the asset
// reference prefix decodes to a record.AssetReference; every other string,
// including date-tagged ones, stays a string.
func Decode(av types.AttributeValue) any {
	switch x := av.(type) {
	case *types.AttributeValueMemberB:
		return x.Value
	case *types.AttributeValueMemberBS:
		return x.Value
	case *types.AttributeValueMemberBOOL:
		return x.Value
	case *types.AttributeValueMemberN:
		return parseNumber(x.Value)
	case *types.AttributeValueMemberNS:
		return parseNumbers(x.Value)
	case *types.AttributeValueMemberS:
		return decodeString(x.Value)
	case *types.AttributeValueMemberSS:
		return x.Value
	case *types.AttributeValueMemberL:
		list := make([]any, len(x.Value))
		for i, e := range x.Value {
			list[i] = Decode(e)
		}
		return list
	case *types.AttributeValueMemberM:
		m := make(map[string]any, len(x.Value))
		for k, e := range x.Value {
			m[k] = Decode(e)
		}
		return m
	case *types.AttributeValueMemberNULL:
		return nil
	}
	panic(fmt.Sprintf("codec: attribute value %T cannot be decoded", av))
}

// decodeString restores asset references. A prefixed string that is not a
// well-formed reference is returned unchanged rather than failing the read.
func decodeString(s string) any {
	if !record.IsAssetReference(s) {
		return s
	}
	ref, ok := tryParseReference(s)
	if !ok {
		return s
	}
	return ref
}

func tryParseReference(s string) (ref record.AssetReference, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return record.ParseAssetReference(s), true
}

func parseNumber(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return int64(0)
}

func parseNumbers(values []string) any {
	ints := make([]int64, 0, len(values))
	for _, s := range values {
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			break
		}
		ints = append(ints, i)
	}
	if len(ints) == len(values) {
		return ints
	}
	floats := make([]float64, len(values))
	for i, s := range values {
		f, _ := strconv.ParseFloat(s, 64)
		floats[i] = f
	}
	return floats
}

// ParseDate reverses EncodeDate. It is not applied by Decode; callers that
// know a field holds a date convert it explicitly.
func ParseDate(s string) (time.Time, bool) {
	if len(s) < len(DatePrefix) || s[:len(DatePrefix)] != DatePrefix {
		return time.Time{}, false
	}
	t, err := time.Parse(DateLayout, s[len(DatePrefix):])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// EncodeItem encodes a whole field map.
func EncodeItem(fields map[string]any) map[string]types.AttributeValue {
	item := make(map[string]types.AttributeValue, len(fields))
	for k, v := range fields {
		item[k] = Encode(v)
	}
	return item
}

// DecodeItem decodes a whole item.
func DecodeItem(item map[string]types.AttributeValue) map[string]any {
	fields := make(map[string]any, len(item))
	for k, av := range item {
		fields[k] = Decode(av)
	}
	return fields
}

// DecodeRecord decodes a database item into a record.
func DecodeRecord(item map[string]types.AttributeValue) (*record.Record, error) {
	return record.FromFields(DecodeItem(item))
}

// StringKey builds the single-attribute key used to address records by ID.
func StringKey(id record.ID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		record.FieldRecordID: &types.AttributeValueMemberS{Value: string(id)},
	}
}
