package api

import "strings"

// Recognized stage tokens reported by import and regeneration jobs.
const (
	StageStart        = "start"
	StageDownload     = "download"
	StageExtract      = "extract"
	StageImport       = "import"
	StageAI           = "ai"
	StageOllama       = "ollama" // synonym of ai, emitted by the local-inference worker
	StageReplace      = "replace"
	StageCommit       = "commit"
	StageCleanup      = "cleanup"
	StageRegenEnqueue = "regen_enqueue"
	StageDone         = "done"
	StageFailed       = "failed"
	StageCanceled     = "canceled"
	StageMissing      = "missing"
)

// stagePercent maps each stage to a coarse percent-complete for progress
// display. The numbers are weighted toward the long-running middle of an
// import, not actual measured durations.
var stagePercent = map[string]int{
	StageStart:        18,
	StageDownload:     28,
	StageExtract:      38,
	StageImport:       55,
	StageAI:           70,
	StageOllama:       70,
	StageReplace:      80,
	StageCommit:       90,
	StageCleanup:      96,
	StageRegenEnqueue: 98,
	StageDone:         100,
	StageFailed:       100,
	StageCanceled:     100,
	StageMissing:      100,
}

// stageLabel maps stage tokens to short human labels.
var stageLabel = map[string]string{
	StageStart:        "Starting",
	StageDownload:     "Fetching archive",
	StageExtract:      "Extracting",
	StageImport:       "Importing content",
	StageAI:           "Generating questions",
	StageOllama:       "Generating questions",
	StageReplace:      "Replacing content",
	StageCommit:       "Committing",
	StageCleanup:      "Cleaning up",
	StageRegenEnqueue: "Scheduling regeneration",
	StageDone:         "Done",
	StageFailed:       "Failed",
	StageCanceled:     "Canceled",
	StageMissing:      "Not found",
}

// StagePercent returns the coarse percent-complete for a stage. Terminal
// statuses always map to 100 so progress never regresses at the end.
// Unknown stages return previousPercent, keeping the display monotone.
func StagePercent(stage string, status JobStatus, previousPercent int) int {
	switch status {
	case StatusFinished, StatusFailed, StatusMissing:
		return 100
	}
	if p, ok := stagePercent[strings.ToLower(strings.TrimSpace(stage))]; ok {
		if p < previousPercent {
			return previousPercent
		}
		return p
	}
	return previousPercent
}

// StageLabel returns a short human label for a stage token. Unknown
// stages are shown as-is rather than hidden.
func StageLabel(stage string) string {
	key := strings.ToLower(strings.TrimSpace(stage))
	if label, ok := stageLabel[key]; ok {
		return label
	}
	if key == "" {
		return "Queued"
	}
	return stage
}
