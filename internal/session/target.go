package session

// ResolveCaptureTarget applies the step-target resolution rule.
//
// cursor must be the snapshot taken before any mutation in the current
// request; a verdict-driven advance earlier in the same request must not
// shift the capture target onto a step that was never rendered. When the
// caller supplied a real response this request, the target is the step
// that was just rendered (the snapshot cursor). Otherwise the target is
// the previous step: nothing new has been produced yet and only a
// placeholder is owed.
//
// Returns ok=false when the computed target falls outside [1, totalSteps];
// capture must be skipped entirely in that case.
func ResolveCaptureTarget(cursor, totalSteps int, hasResponse bool) (int, bool) {
	target := cursor
	if !hasResponse {
		target = cursor - 1
	}
	if target < 1 || target > totalSteps {
		return 0, false
	}
	return target, true
}
