package fspath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmptyFirstWithMore(t *testing.T) {
	t.Parallel()

	_, err := New("bucket", "", "a")
	require.Error(t, err)
}

func TestNewCollapsesSlashRuns(t *testing.T) {
	t.Parallel()

	p, err := New("bucket", "a//b///c")
	require.NoError(t, err)
	assert.Equal(t, "a/b/c", p.Key())
}

func TestNewPreservesLeadingAndTrailingSlash(t *testing.T) {
	t.Parallel()

	p, err := New("bucket", "/a/b/")
	require.NoError(t, err)
	assert.True(t, p.Absolute())
	assert.True(t, p.IsDir())
	assert.Equal(t, "a/b/", p.Key())
}

func TestNewRejectsNUL(t *testing.T) {
	t.Parallel()

	_, err := New("bucket", "a/\x00/b")
	require.Error(t, err)
}

func TestRootKeyIsEmpty(t *testing.T) {
	t.Parallel()

	r := Root("bucket")
	assert.Equal(t, "", r.ObjectKey())
	assert.Equal(t, "/", r.String())
	assert.True(t, r.IsDir())
}

func TestDirectoryInference(t *testing.T) {
	t.Parallel()

	dirKeys := []string{"", "/", ".", "..", "a/", "a/.", "a/.."}
	for _, k := range dirKeys {
		assert.Truef(t, IsDirectoryInferred(k), "expected %q to be directory-inferred", k)
	}

	fileKeys := []string{"a", "a/b", "a.b", "a/b.c"}
	for _, k := range fileKeys {
		assert.Falsef(t, IsDirectoryInferred(k), "expected %q to not be directory-inferred", k)
	}
}

func TestNormalizeResolvesDotAndDotDot(t *testing.T) {
	t.Parallel()

	p, err := New("bucket", "/a/./b/../c")
	require.NoError(t, err)
	assert.Equal(t, "a/c", p.ObjectKey())
}

func TestNormalizeClampsAtRoot(t *testing.T) {
	t.Parallel()

	p, err := New("bucket", "/../../a")
	require.NoError(t, err)
	assert.Equal(t, "a", p.ObjectKey())
}

func TestNormalizeMonotonicity(t *testing.T) {
	t.Parallel()

	p, err := New("bucket", "/a/../b/./c/")
	require.NoError(t, err)

	once := p.Normalize()
	twice := once.Normalize()
	assert.Equal(t, once.ObjectKey(), twice.ObjectKey())
}

func TestResolveRequiresDirectoryBase(t *testing.T) {
	t.Parallel()

	base, err := New("bucket", "/a/b")
	require.NoError(t, err)
	rel, err := New("bucket", "c")
	require.NoError(t, err)

	_, err = Resolve(base, rel)
	require.Error(t, err)
}

func TestResolveCorrectness(t *testing.T) {
	t.Parallel()

	base, err := New("bucket", "/a/b/")
	require.NoError(t, err)
	rel, err := New("bucket", "../c")
	require.NoError(t, err)

	got, err := Resolve(base, rel)
	require.NoError(t, err)
	assert.Equal(t, "a/c", got.ObjectKey())
}

func TestResolveMixedEntries(t *testing.T) {
	t.Parallel()

	base, err := New("bucket", "/p/")
	require.NoError(t, err)
	rel, err := New("bucket", "sub/")
	require.NoError(t, err)

	got, err := Resolve(base, rel)
	require.NoError(t, err)
	assert.Equal(t, "p/sub/", got.ObjectKey())
	assert.True(t, got.IsDir())
}

func TestEqualComparesNormalizedForm(t *testing.T) {
	t.Parallel()

	a, err := New("bucket", "/a/b")
	require.NoError(t, err)
	b, err := New("bucket", "/a/./b")
	require.NoError(t, err)

	assert.True(t, Equal(a, b))
}

func TestEqualDifferentFilesystems(t *testing.T) {
	t.Parallel()

	a, err := New("bucket-1", "/a/b")
	require.NoError(t, err)
	b, err := New("bucket-2", "/a/b")
	require.NoError(t, err)

	assert.False(t, Equal(a, b))
}

func TestPathRoundTrip(t *testing.T) {
	t.Parallel()

	keys := []string{"a", "a/b", "a/b/", "a/../b", "./a/b/.", "a/b/../../c"}
	for _, k := range keys {
		p, err := New("bucket", k)
		require.NoError(t, err)

		reparsed, err := New("bucket", p.ObjectKey())
		require.NoError(t, err)

		assert.Equal(t, p.ObjectKey(), reparsed.ObjectKey())
	}
}

func TestToRealPathIgnoresLinkOptions(t *testing.T) {
	t.Parallel()

	p, err := New("bucket", "a/../b")
	require.NoError(t, err)

	real := p.ToRealPath(NoFollowLinks)
	assert.Equal(t, "/b", real.String())
	assert.True(t, real.Absolute())
}

func TestElementsAndFileName(t *testing.T) {
	t.Parallel()

	p, err := New("bucket", "/a/b/c.txt")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c.txt"}, p.Elements())
	assert.Equal(t, "c.txt", p.FileName())
}

func TestRootElementsEmpty(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Root("bucket").Elements())
	assert.Equal(t, "", Root("bucket").FileName())
}
