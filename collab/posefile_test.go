package collab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePose_RoundTrip(t *testing.T) {
	for name, p := range samplePoses() {
		t.Run(name, func(t *testing.T) {
			got, err := ParsePose(FormatPose(p))
			require.NoError(t, err)
			assert.InDelta(t, 0, TranslationDistance(p, got), 1e-12)
			assert.InDelta(t, 0, AngularSeparation(p.Rotation, got.Rotation), 1e-9)
		})
	}
}

func TestParsePose_Layout(t *testing.T) {
	text := `1 0 0 0.5
0 1 0 -2
0 0 1 3
0 0 0 1
`
	p, err := ParsePose(text)
	require.NoError(t, err)
	assert.Equal(t, Vec3{X: 0.5, Y: -2, Z: 3}, p.Translation)
	assert.InDelta(t, 0, AngularSeparation(IdentityQuat(), p.Rotation), 1e-12)

	// any whitespace separates entries
	_, err = ParsePose("1\t0 0 0\n\n0 1 0 0 0 0 1 0   0 0 0 1")
	assert.NoError(t, err)
}

func TestParsePose_Malformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"too few", "1 0 0 0 0 1 0 0 0 0 1 0 0 0 0"},
		{"too many", "1 0 0 0 0 1 0 0 0 0 1 0 0 0 0 1 1"},
		{"not a number", "1 0 0 x 0 1 0 0 0 0 1 0 0 0 0 1"},
		{"nan", "1 0 0 NaN 0 1 0 0 0 0 1 0 0 0 0 1"},
		{"inf", "1 0 0 0 0 1 0 +Inf 0 0 1 0 0 0 0 1"},
		{"scaled", "2 0 0 0 0 2 0 0 0 0 2 0 0 0 0 1"},
		{"skewed", "1 0.5 0 0 0 1 0 0 0 0 1 0 0 0 0 1"},
		{"reflection", "1 0 0 0 0 1 0 0 0 0 -1 0 0 0 0 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePose(tt.text)
			assert.ErrorIs(t, err, ErrMalformedPoseFile)
		})
	}
}

func TestParsePose_NearlyOrthonormal(t *testing.T) {
	// rounded text output from other tools still parses
	_, err := ParsePose("0.999 0.001 0 0  -0.001 1.001 0 0  0 0 1 0  0 0 0 1")
	assert.NoError(t, err)
}

func TestReadPoseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pose.txt")
	want := NewPose(AxisAngleDeg(Vec3{Y: 1}, 30), Vec3{X: 1})
	require.NoError(t, WritePoseFile(path, want))

	got, err := ReadPoseFile(path)
	require.NoError(t, err)
	assert.InDelta(t, 0, TranslationDistance(want, got), 1e-12)

	_, err = ReadPoseFile(filepath.Join(dir, "absent.txt"))
	assert.ErrorIs(t, err, ErrMissingPoseFile)

	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("1 2 3"), 0644))
	_, err = ReadPoseFile(bad)
	require.ErrorIs(t, err, ErrMalformedPoseFile)
	var pe *PoseFileError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, bad, pe.Path)
	assert.Contains(t, err.Error(), "bad.txt")
}

func TestReadSequence(t *testing.T) {
	dir := t.TempDir()
	for _, i := range []int{0, 1, 2, 4} {
		require.NoError(t, WritePoseFile(filepath.Join(dir, fmt.Sprintf("pose%03d.txt", i)), Translation(float64(i), 0, 0)))
	}

	poses, err := ReadSequence(dir, "pose%03d.txt")
	require.NoError(t, err)
	require.Len(t, poses, 3, "reading stops at the first missing index")
	assert.InDelta(t, 2.0, poses[2].Translation.X, 1e-12)

	poses, err = ReadSequence(dir, "other%d.txt")
	require.NoError(t, err)
	assert.Empty(t, poses)
}

func TestReadSequence_Errors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WritePoseFile(filepath.Join(dir, "p0.txt"), Identity()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p1.txt"), []byte("garbage"), 0644))

	_, err := ReadSequence(dir, "p%d.txt")
	assert.ErrorIs(t, err, ErrMalformedPoseFile)

	_, err = ReadSequence(dir, "p.txt")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ReadSequence(filepath.Join(dir, "missing"), "p%d.txt")
	assert.ErrorIs(t, err, ErrMissingPoseFile)

	_, err = ReadSequence(filepath.Join(dir, "p0.txt"), "p%d.txt")
	assert.ErrorIs(t, err, ErrMissingPoseFile, "a file is not a sequence directory")
}
