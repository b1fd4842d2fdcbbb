// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionGt(t *testing.T) {
	assert.True(t, Version{2}.Gt(Version{1}))
	assert.True(t, Version{2}.Gt(Version{1, 0}))
	assert.True(t, Version{2}.Gt(Version{1, 1}))
	assert.True(t, Version{2, 0}.Gt(Version{1}))
	assert.True(t, Version{2, 1}.Gt(Version{1}))
}

func TestVersionCmp(t *testing.T) {
	assert.Equal(t, 0, Version{1}.Cmp(Version{1, 0}))
	assert.Equal(t, 0, Version{1, 0}.Cmp(Version{1}))
	assert.Equal(t, -1, Version{1}.Cmp(Version{2}))
	assert.Equal(t, 1, Version{1, 47}.Cmp(Version{1, 46, 9}))
	assert.False(t, Version{1}.Gt(Version{1}))
}

func TestVersionString(t *testing.T) {
	assert.Equal(t, "", Version{}.String())
	assert.Equal(t, "1", Version{1}.String())
	assert.Equal(t, "1.2", Version{1, 2}.String())
	assert.Equal(t, "1.2.3", Version{1, 2, 3}.String())
}

func TestParse(t *testing.T) {
	v, err := Parse("1.47.0")
	assert.NoError(t, err)
	assert.Equal(t, Version{1, 47, 0}, v)

	_, err = Parse("")
	assert.Error(t, err)

	_, err = Parse("1.x")
	assert.Error(t, err)
}
