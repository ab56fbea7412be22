package collab

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ReadPoseFile reads a pose stored as 16 whitespace separated numbers, the
// row-major 4x4 homogeneous matrix
func ReadPoseFile(path string) (Pose, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Pose{}, &PoseFileError{Path: path, Err: ErrMissingPoseFile}
		}
		return Pose{}, &PoseFileError{Path: path, Err: fmt.Errorf("%w: %v", ErrMalformedPoseFile, err)}
	}
	p, err := ParsePose(string(data))
	if err != nil {
		return Pose{}, &PoseFileError{Path: path, Err: err}
	}
	return p, nil
}

// ParsePose parses the text form of a pose
func ParsePose(text string) (Pose, error) {
	fields := strings.Fields(text)
	if len(fields) != 16 {
		return Pose{}, fmt.Errorf("%w: expected 16 numbers, found %d", ErrMalformedPoseFile, len(fields))
	}
	var m [16]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Pose{}, fmt.Errorf("%w: entry %d %q is not a finite number", ErrMalformedPoseFile, i, f)
		}
		m[i] = v
	}
	if err := checkMatrix(m); err != nil {
		return Pose{}, fmt.Errorf("%w: %v", ErrMalformedPoseFile, err)
	}
	return PoseFromMatrix(m), nil
}

// FormatPose renders a pose as four lines of four numbers
func FormatPose(p Pose) string {
	m := p.Matrix()
	var b strings.Builder
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			if col > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.FormatFloat(m[row*4+col], 'g', -1, 64))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// WritePoseFile writes a pose in the format ReadPoseFile accepts
func WritePoseFile(path string, p Pose) error {
	if err := os.WriteFile(path, []byte(FormatPose(p)), 0644); err != nil {
		return fmt.Errorf("writing pose file: %w", err)
	}
	return nil
}

// ReadSequence reads dir/fmt.Sprintf(mask, i) for i = 0, 1, ... until the
// first missing index. Any file that exists but cannot be parsed fails the
// whole sequence.
func ReadSequence(dir, mask string) ([]Pose, error) {
	if !strings.Contains(mask, "%") {
		return nil, fmt.Errorf("%w: pose mask %q has no index verb", ErrInvalidConfig, mask)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, &PoseFileError{Path: dir, Err: ErrMissingPoseFile}
	}

	var poses []Pose
	for i := 0; ; i++ {
		path := filepath.Join(dir, fmt.Sprintf(mask, i))
		p, err := ReadPoseFile(path)
		if errors.Is(err, ErrMissingPoseFile) {
			return poses, nil
		}
		if err != nil {
			return nil, err
		}
		poses = append(poses, p)
	}
}
