package chat

import "strings"

// mergeAssistantDelta folds an incoming assistant-text fragment into the
// accumulated run content.
//
// The upstream protocol does not distinguish "append to the current block"
// from "here is a new block": it resends the full accumulated text of the
// current block, and the block resets to empty after each tool call. So for
// every fragment we decide:
//   - the fragment starts with the text already emitted since lastBlockStart:
//     it is a longer snapshot of the current block; replace the tail.
//   - otherwise it opens a new block: append it after the existing content
//     and move lastBlockStart to the old content length.
//
// An empty fragment is a no-op, and a fragment exactly equal to the current
// tail is treated as a continuation, which makes replays idempotent. The
// function is pure.
func mergeAssistantDelta(existing string, fragment string, lastBlockStart int) (string, int) {
	if fragment == "" {
		return existing, lastBlockStart
	}
	if lastBlockStart < 0 {
		lastBlockStart = 0
	}
	if lastBlockStart > len(existing) {
		lastBlockStart = len(existing)
	}

	tail := existing[lastBlockStart:]
	if strings.HasPrefix(fragment, tail) {
		return existing[:lastBlockStart] + fragment, lastBlockStart
	}
	return existing + fragment, len(existing)
}
