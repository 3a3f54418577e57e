package infra

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

// wrapperKeys são os campos em que respostas REST costumam embrulhar o valor.
var wrapperKeys = []string{"result", "value", "data"}

// ParseInt extrai um inteiro de uma resposta heterogênea de backend.
//
// Aceita escalares (ints, floats, string, []byte, json.Number), o primeiro
// elemento de arrays e objetos-envelope com result/value/data.
func ParseInt(reply any) (int64, error) {
	switch v := reply.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows int64", domain.ErrMalformedReply, v)
		}
		return int64(v), nil
	case float64:
		return floatToInt(v)
	case float32:
		return floatToInt(float64(v))
	case json.Number:
		return parseNumeric(string(v))
	case string:
		return parseNumeric(v)
	case []byte:
		return parseNumeric(string(v))
	case []any:
		if len(v) == 0 {
			return 0, fmt.Errorf("%w: empty array", domain.ErrMalformedReply)
		}
		return ParseInt(v[0])
	case []int64:
		if len(v) == 0 {
			return 0, fmt.Errorf("%w: empty array", domain.ErrMalformedReply)
		}
		return v[0], nil
	case []string:
		if len(v) == 0 {
			return 0, fmt.Errorf("%w: empty array", domain.ErrMalformedReply)
		}
		return parseNumeric(v[0])
	case map[string]any:
		inner, ok := unwrap(v)
		if !ok {
			return 0, fmt.Errorf("%w: object without result/value/data", domain.ErrMalformedReply)
		}
		return ParseInt(inner)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", domain.ErrMalformedReply, reply)
	}
}

// ParseCounterReply normaliza a resposta do script de incremento: {count, pttl}.
func ParseCounterReply(reply any) (count int64, ttlMillis int64, err error) {
	switch v := reply.(type) {
	case map[string]any:
		inner, ok := unwrap(v)
		if !ok {
			return 0, 0, fmt.Errorf("%w: object without result/value/data", domain.ErrMalformedReply)
		}
		return ParseCounterReply(inner)
	case []any:
		if len(v) < 2 {
			return 0, 0, fmt.Errorf("%w: expected 2 elements, got %d", domain.ErrMalformedReply, len(v))
		}
		return parsePair(v[0], v[1])
	case []int64:
		if len(v) < 2 {
			return 0, 0, fmt.Errorf("%w: expected 2 elements, got %d", domain.ErrMalformedReply, len(v))
		}
		return v[0], v[1], nil
	case []string:
		if len(v) < 2 {
			return 0, 0, fmt.Errorf("%w: expected 2 elements, got %d", domain.ErrMalformedReply, len(v))
		}
		return parsePair(v[0], v[1])
	default:
		return 0, 0, fmt.Errorf("%w: expected array reply, got %T", domain.ErrMalformedReply, reply)
	}
}

func parsePair(a, b any) (int64, int64, error) {
	count, err := ParseInt(a)
	if err != nil {
		return 0, 0, err
	}
	ttl, err := ParseInt(b)
	if err != nil {
		return 0, 0, err
	}
	return count, ttl, nil
}

func unwrap(m map[string]any) (any, bool) {
	for _, k := range wrapperKeys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func parseNumeric(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", domain.ErrMalformedReply, s)
	}
	return floatToInt(f)
}

func floatToInt(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%w: %v out of range", domain.ErrMalformedReply, f)
	}
	return int64(f), nil
}
