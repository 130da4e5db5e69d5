// Package assert guards constructor inputs, a failed assertion is a programming error.
package assert

import (
	"fmt"
	"reflect"
)

// NotNil panics if `value` is nil, including typed nils (a nil pointer, func, map, slice,
// channel or interface wrapped in `any`).
func NotNil(value any) {
	if isNil(value) {
		panic(fmt.Sprintf("expected value to be not nil, got %T(nil)", value))
	}
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Slice, reflect.Chan, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}

func NotEmptyStr(str string) {
	if str == "" {
		panic("expected string to be non-empty")
	}
}
