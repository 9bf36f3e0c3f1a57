/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package loader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParsesEveryEntryConcurrently(t *testing.T) {
	a := buildSimpleClass()
	a.Name = "com/example/A"
	b := buildSimpleClass()
	b.Name = "com/example/B"

	aBytes, err := WriteClass(a)
	require.NoError(t, err)
	bBytes, err := WriteClass(b)
	require.NoError(t, err)

	files := map[string][]byte{
		"com/example/A.class": aBytes,
		"com/example/B.class": bBytes,
	}

	u, err := Load(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, 2, u.Len())
	assert.NotNil(t, u.Get("com/example/A"))
	assert.NotNil(t, u.Get("com/example/B"))
	assert.Equal(t, "com/example/A.class", u.Get("com/example/A").Origin)
}

func TestLoadReturnsErrorForMalformedEntry(t *testing.T) {
	files := map[string][]byte{
		"bad.class": {0xde, 0xad, 0xbe, 0xef},
	}
	_, err := Load(context.Background(), files)
	assert.Error(t, err)
}

func TestLoadCancelsOnContext(t *testing.T) {
	good, err := WriteClass(buildSimpleClass())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	files := map[string][]byte{"x.class": good}
	_, err = Load(ctx, files)
	assert.Error(t, err)
}
