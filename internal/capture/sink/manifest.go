package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/smileidentity/captureflow/internal/capture/l5session"
	"github.com/smileidentity/captureflow/internal/fsutil"
)

// JobManifestName is the file ManifestSubmitter writes into the job
// directory.
const JobManifestName = "job.json"

// ManifestSubmitter records a job as a JSON manifest instead of uploading
// it. It is the submitter used for replays.
type ManifestSubmitter struct {
	FS    fsutil.FileSystem
	NewID func() string
	// MinLivenessFrames rejects jobs with fewer liveness frames as a
	// validation failure.
	MinLivenessFrames int
}

type jobManifest struct {
	JobID          string                    `json:"job_id"`
	SessionID      string                    `json:"session_id"`
	RetryCount     int                       `json:"retry_count"`
	LivenessImages []string                  `json:"liveness_images"`
	FinalImage     string                    `json:"final_image"`
	Frames         []l5session.CapturedFrame `json:"frames"`
}

// Submit writes job.json into job.Dir and returns a locally generated job
// ID.
func (m ManifestSubmitter) Submit(ctx context.Context, job Job) (l5session.JobResponse, error) {
	if err := ctx.Err(); err != nil {
		return l5session.JobResponse{}, err
	}
	snap := job.Session
	if snap.Final == nil {
		return l5session.JobResponse{}, &l5session.SubmissionError{
			Kind: l5session.SubmissionValidation,
			Err:  errors.New("session has no final frame"),
		}
	}
	if len(snap.LivenessFrames) < m.MinLivenessFrames {
		return l5session.JobResponse{}, &l5session.SubmissionError{
			Kind: l5session.SubmissionValidation,
			Err:  fmt.Errorf("session has %d liveness frames, need %d", len(snap.LivenessFrames), m.MinLivenessFrames),
		}
	}

	newID := m.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	fsys := m.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}

	man := jobManifest{
		JobID:      newID(),
		SessionID:  snap.ID,
		RetryCount: snap.RetryCount,
		FinalImage: filepath.Base(snap.Final.Path),
		Frames:     snap.Frames(),
	}
	for _, f := range snap.LivenessFrames {
		man.LivenessImages = append(man.LivenessImages, filepath.Base(f.Path))
	}
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return l5session.JobResponse{}, err
	}
	if err := fsys.WriteFile(filepath.Join(job.Dir, JobManifestName), data, 0o644); err != nil {
		return l5session.JobResponse{}, fmt.Errorf("write job manifest: %w", err)
	}
	return l5session.JobResponse{
		JobID:      man.JobID,
		ResultCode: "local",
		ResultText: "Recorded without upload",
	}, nil
}
