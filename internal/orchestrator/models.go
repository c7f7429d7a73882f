package orchestrator

import "time"

// JobID uniquely identifies a conversion job and names its output directory.
type JobID string

// Origin says where a source came from.
type Origin string

const (
	OriginUpload    Origin = "upload"
	OriginRemoteURL Origin = "remote-url"
)

// SourceAsset is the input media of a conversion.
type SourceAsset struct {
	ID       string `json:"id"`
	Origin   Origin `json:"origin"`
	Location string `json:"location"` // local path or absolute URL

	// BandwidthHint is the bandwidth of the variant picked from a master
	// playlist, in bits per second. Zero when unknown.
	BandwidthHint int64 `json:"bandwidthHint,omitempty"`
}

// RenditionSpec is one rung of the transcode ladder.
type RenditionSpec struct {
	Name          string `json:"name" yaml:"name"`
	Width         int    `json:"width" yaml:"width"`
	Height        int    `json:"height" yaml:"height"`
	TargetBitrate int64  `json:"bitrate" yaml:"bitrate"` // bits per second
}

// RenditionStatus is the terminal status of one encode job.
type RenditionStatus string

const (
	RenditionSucceeded RenditionStatus = "succeeded"
	RenditionFailed    RenditionStatus = "failed"
)

// RenditionResult is the outcome of one encode job.
type RenditionResult struct {
	Spec         RenditionSpec
	PlaylistPath string // relative to the job output directory
	Status       RenditionStatus
	ErrorDetail  string // set iff Status is RenditionFailed
	Duration     time.Duration
}

// Succeeded reports whether the rendition can be listed in a master playlist.
func (r RenditionResult) Succeeded() bool {
	return r.Status == RenditionSucceeded
}

// JobState is the lifecycle state of a ConversionJob.
type JobState string

const (
	StateRunning         JobState = "running"
	StateCompleted       JobState = "completed"
	StatePartiallyFailed JobState = "partially-failed"
	StateFailed          JobState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s != StateRunning
}

// ConversionJob is the aggregate for one end-to-end conversion request.
type ConversionJob struct {
	ID         JobID
	Source     SourceAsset
	Ladder     []RenditionSpec
	Results    map[string]RenditionResult // keyed by rendition name
	Skipped    []string                   // rungs not launched because they exceed the source
	State      JobState
	CreatedAt  time.Time
	FinishedAt time.Time

	// OutputDir is the absolute job directory. ManifestPath is the master
	// playlist relative to the outputs root ("<id>/master.m3u8") and is only
	// set once a manifest exists.
	OutputDir    string
	ManifestPath string
}

// OrderedResults returns the results in ladder order, skipping rungs that
// have no result.
func (j *ConversionJob) OrderedResults() []RenditionResult {
	out := make([]RenditionResult, 0, len(j.Results))
	for _, spec := range j.Ladder {
		if res, ok := j.Results[spec.Name]; ok {
			out = append(out, res)
		}
	}
	return out
}

// snapshot returns a copy that does not share maps or slices with j.
func (j *ConversionJob) snapshot() *ConversionJob {
	cp := *j
	cp.Ladder = append([]RenditionSpec(nil), j.Ladder...)
	cp.Skipped = append([]string(nil), j.Skipped...)
	cp.Results = make(map[string]RenditionResult, len(j.Results))
	for k, v := range j.Results {
		cp.Results[k] = v
	}
	return &cp
}
