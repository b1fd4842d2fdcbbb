// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package sliceutils

func ContainsValue[T comparable](slice []T, value T) bool {
	for _, v := range slice {
		if v == value {
			return true
		}
	}
	return false
}

func FindValueFunc[T any](slice []T, fn func(T) bool) (T, bool) {
	for _, v := range slice {
		if fn(v) {
			return v, true
		}
	}

	var zero T
	return zero, false
}

// Map applies fn to every element.
func Map[T any, R any](slice []T, fn func(T) R) []R {
	if slice == nil {
		return nil
	}

	result := make([]R, 0, len(slice))
	for _, v := range slice {
		result = append(result, fn(v))
	}
	return result
}
