package inject

import (
	"context"

	"go.viam.com/handeye/posereader"
	"go.viam.com/handeye/spatialmath"
)

// PoseReader is an injected pose reader.
type PoseReader struct {
	posereader.PoseReader
	ReadPoseFunc func(ctx context.Context) (spatialmath.Pose, error)
	ReadFunc     func(ctx context.Context) (posereader.Reading, error)
}

// ReadPose calls the injected ReadPose, the injected Read, or the real version.
func (r *PoseReader) ReadPose(ctx context.Context) (spatialmath.Pose, error) {
	if r.ReadPoseFunc != nil {
		return r.ReadPoseFunc(ctx)
	}
	if r.ReadFunc != nil {
		reading, err := r.ReadFunc(ctx)
		if err != nil {
			return nil, err
		}
		return reading.Pose, nil
	}
	return r.PoseReader.ReadPose(ctx)
}

// Read calls the injected Read or the real version.
func (r *PoseReader) Read(ctx context.Context) (posereader.Reading, error) {
	if r.ReadFunc == nil {
		return r.PoseReader.Read(ctx)
	}
	return r.ReadFunc(ctx)
}
