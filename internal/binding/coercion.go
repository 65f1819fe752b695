package binding

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

func coerce(value any, typ string) (any, error) {
	switch typ {
	case TypeString:
		return CoerceToString(value), nil
	case TypeNumber:
		return CoerceToNumber(value)
	case TypeInteger:
		n, err := CoerceToNumber(value)
		if err != nil {
			return nil, err
		}
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("%v is not a whole number", value)
		}
		return int64(n), nil
	case TypeBool:
		return CoerceToBool(value)
	default:
		return value, nil
	}
}

// CoerceToString converts any scalar to its string form
func CoerceToString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// CoerceToNumber attempts to convert a value to float64
func CoerceToNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		num, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert string '%s' to number", v)
		}
		return num, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", value)
	}
}

// CoerceToBool converts a value to boolean. Unlike a truthiness check it
// rejects values that do not read as a boolean.
func CoerceToBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return false, fmt.Errorf("cannot convert string '%s' to bool", v)
	case float64, int, int32, int64:
		n, _ := CoerceToNumber(v)
		return n != 0, nil
	default:
		return false, fmt.Errorf("cannot convert %T to bool", value)
	}
}
