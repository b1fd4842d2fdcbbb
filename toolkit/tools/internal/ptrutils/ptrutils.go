// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ptrutils

func PtrTo[T any](value T) *T {
	return &value
}
