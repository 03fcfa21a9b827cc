package resource

import (
	"reflect"
)

// EstimateSize approximates the memory held by v by recursively summing the
// sizes of its primitives, strings, slices, maps and struct fields. Shared
// pointers are counted once.
func EstimateSize(v any) uint64 {
	if v == nil {
		return 0
	}
	seen := make(map[uintptr]bool)
	return sizeOf(reflect.ValueOf(v), seen)
}

func sizeOf(v reflect.Value, seen map[uintptr]bool) uint64 {
	switch v.Kind() {
	case reflect.Invalid:
		return 0
	case reflect.Bool, reflect.Int8, reflect.Uint8:
		return 1
	case reflect.Int16, reflect.Uint16:
		return 2
	case reflect.Int32, reflect.Uint32, reflect.Float32:
		return 4
	case reflect.Int, reflect.Uint, reflect.Int64, reflect.Uint64, reflect.Float64,
		reflect.Uintptr, reflect.Complex64:
		return 8
	case reflect.Complex128:
		return 16
	case reflect.String:
		return uint64(v.Len())
	case reflect.Pointer:
		if v.IsNil() {
			return 8
		}
		p := v.Pointer()
		if seen[p] {
			return 8
		}
		seen[p] = true
		return 8 + sizeOf(v.Elem(), seen)
	case reflect.Interface:
		if v.IsNil() {
			return 0
		}
		return sizeOf(v.Elem(), seen)
	case reflect.Slice:
		if v.IsNil() {
			return 0
		}
		p := v.Pointer()
		if p != 0 && seen[p] {
			return 24
		}
		if p != 0 {
			seen[p] = true
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return uint64(v.Len())
		}
		fallthrough
	case reflect.Array:
		var total uint64
		for i := 0; i < v.Len(); i++ {
			total += sizeOf(v.Index(i), seen)
		}
		return total
	case reflect.Map:
		if v.IsNil() {
			return 0
		}
		var total uint64
		iter := v.MapRange()
		for iter.Next() {
			total += sizeOf(iter.Key(), seen) + sizeOf(iter.Value(), seen)
		}
		return total
	case reflect.Struct:
		var total uint64
		for i := 0; i < v.NumField(); i++ {
			total += sizeOf(v.Field(i), seen)
		}
		return total
	default:
		// chan, func, unsafe pointer: count the header only
		return 8
	}
}
