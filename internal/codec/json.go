package codec

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// MarshalItemJSON renders an item in the DynamoDB JSON shape, where every
// attribute is an object with a single type key ({"S": "..."}). Engines that
// have no native attribute model store items in this form.
func MarshalItemJSON(item map[string]types.AttributeValue) ([]byte, error) {
	out := make(map[string]any, len(item))
	for k, av := range item {
		v, err := toJSON(av)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalItemJSON parses the output of MarshalItemJSON.
func UnmarshalItemJSON(data []byte) (map[string]types.AttributeValue, error) {
	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding item: %w", err)
	}
	item := make(map[string]types.AttributeValue, len(raw))
	for k, v := range raw {
		av, err := fromJSON(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		item[k] = av
	}
	return item, nil
}

func toJSON(av types.AttributeValue) (map[string]any, error) {
	switch x := av.(type) {
	case *types.AttributeValueMemberS:
		return map[string]any{"S": x.Value}, nil
	case *types.AttributeValueMemberN:
		return map[string]any{"N": x.Value}, nil
	case *types.AttributeValueMemberB:
		return map[string]any{"B": x.Value}, nil
	case *types.AttributeValueMemberBOOL:
		return map[string]any{"BOOL": x.Value}, nil
	case *types.AttributeValueMemberNULL:
		return map[string]any{"NULL": true}, nil
	case *types.AttributeValueMemberSS:
		return map[string]any{"SS": x.Value}, nil
	case *types.AttributeValueMemberNS:
		return map[string]any{"NS": x.Value}, nil
	case *types.AttributeValueMemberBS:
		return map[string]any{"BS": x.Value}, nil
	case *types.AttributeValueMemberL:
		list := make([]map[string]any, len(x.Value))
		for i, e := range x.Value {
			v, err := toJSON(e)
			if err != nil {
				return nil, err
			}
			list[i] = v
		}
		return map[string]any{"L": list}, nil
	case *types.AttributeValueMemberM:
		m := make(map[string]map[string]any, len(x.Value))
		for k, e := range x.Value {
			v, err := toJSON(e)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return map[string]any{"M": m}, nil
	}
	return nil, fmt.Errorf("unsupported attribute value %T", av)
}

func fromJSON(raw map[string]json.RawMessage) (types.AttributeValue, error) {
	if len(raw) != 1 {
		return nil, fmt.Errorf("attribute must have exactly one type key, got %d", len(raw))
	}
	for typ, msg := range raw {
		switch typ {
		case "S":
			var v string
			err := json.Unmarshal(msg, &v)
			return &types.AttributeValueMemberS{Value: v}, err
		case "N":
			var v string
			err := json.Unmarshal(msg, &v)
			return &types.AttributeValueMemberN{Value: v}, err
		case "B":
			var v []byte
			err := json.Unmarshal(msg, &v)
			return &types.AttributeValueMemberB{Value: v}, err
		case "BOOL":
			var v bool
			err := json.Unmarshal(msg, &v)
			return &types.AttributeValueMemberBOOL{Value: v}, err
		case "NULL":
			return &types.AttributeValueMemberNULL{Value: true}, nil
		case "SS":
			var v []string
			err := json.Unmarshal(msg, &v)
			return &types.AttributeValueMemberSS{Value: v}, err
		case "NS":
			var v []string
			err := json.Unmarshal(msg, &v)
			return &types.AttributeValueMemberNS{Value: v}, err
		case "BS":
			var v [][]byte
			err := json.Unmarshal(msg, &v)
			return &types.AttributeValueMemberBS{Value: v}, err
		case "L":
			var elems []map[string]json.RawMessage
			if err := json.Unmarshal(msg, &elems); err != nil {
				return nil, err
			}
			list := make([]types.AttributeValue, len(elems))
			for i, e := range elems {
				av, err := fromJSON(e)
				if err != nil {
					return nil, err
				}
				list[i] = av
			}
			return &types.AttributeValueMemberL{Value: list}, nil
		case "M":
			var elems map[string]map[string]json.RawMessage
			if err := json.Unmarshal(msg, &elems); err != nil {
				return nil, err
			}
			m := make(map[string]types.AttributeValue, len(elems))
			for k, e := range elems {
				av, err := fromJSON(e)
				if err != nil {
					return nil, err
				}
				m[k] = av
			}
			return &types.AttributeValueMemberM{Value: m}, nil
		default:
			return nil, fmt.Errorf("unknown attribute type %q", typ)
		}
	}
	return nil, nil
}
