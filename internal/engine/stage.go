package engine

// Stage is a step of an apply cycle.
type Stage int

const (
	StageStart Stage = iota
	StageSnapshotCounters
	StageBuildRuleset
	StageCreateTempFiles
	StageRenderRulesetFile
	StageRenderShapingScript
	StageRunShapingScript
	StageRunBulkLoad
	StageDone
	StageFailed
)

var stageNames = [...]string{
	StageStart:               "start",
	StageSnapshotCounters:    "snapshot-counters",
	StageBuildRuleset:        "build-ruleset",
	StageCreateTempFiles:     "create-temp-files",
	StageRenderRulesetFile:   "render-ruleset-file",
	StageRenderShapingScript: "render-shaping-script",
	StageRunShapingScript:    "run-shaping-script",
	StageRunBulkLoad:         "run-bulk-load",
	StageDone:                "done",
	StageFailed:              "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// Terminal reports whether no stage follows s.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}
