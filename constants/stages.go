package constants

// Stage names a step of the worker pipeline. Stored verbatim in the
// progress_stage column and surfaced on status responses.
type Stage string

const (
	StageQueued      Stage = "queued"
	StageExtracting  Stage = "extracting"
	StageClassifying Stage = "classifying"
	StageFinalizing  Stage = "finalizing"
)

// Progress checkpoints after each stage. The pipeline reports the percent of
// the checkpoint it has just reached, never a value in between.
const (
	ProgressQueued     = 0
	ProgressClaimed    = 5
	ProgressExtracted  = 70
	ProgressClassified = 90
	ProgressDone       = 100
)
