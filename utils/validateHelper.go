package utils

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs validator.v10 tags on any struct. Used at the HTTP
// boundary and at client dequeue time before payloads go on the wire.
func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

func UniqueSlice[T comparable](in []T) []T {
	seen := make(map[T]bool, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
