// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a dotted numeric version, e.g. 1.47.0. Missing trailing components compare as zero.
type Version []int

// Parse parses a dotted numeric version string.
func Parse(value string) (Version, error) {
	if value == "" {
		return nil, fmt.Errorf("empty version string")
	}

	parts := strings.Split(value, ".")
	result := make(Version, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid version string (%s)", value)
		}
		result = append(result, n)
	}
	return result, nil
}

func (v Version) Cmp(other Version) int {
	count := len(v)
	if len(other) > count {
		count = len(other)
	}

	for i := 0; i < count; i++ {
		c1 := 0
		if i < len(v) {
			c1 = v[i]
		}

		c2 := 0
		if i < len(other) {
			c2 = other[i]
		}

		if c1 > c2 {
			return 1
		} else if c1 < c2 {
			return -1
		}
	}

	return 0
}

func (v Version) Gt(other Version) bool {
	return v.Cmp(other) > 0
}

func (v Version) String() string {
	parts := make([]string, 0, len(v))
	for _, p := range v {
		parts = append(parts, strconv.Itoa(p))
	}
	return strings.Join(parts, ".")
}
