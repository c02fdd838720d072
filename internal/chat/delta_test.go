package chat

import "testing"

func TestMergeAssistantDelta(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		existing       string
		fragment       string
		lastBlockStart int
		wantContent    string
		wantBlockStart int
	}{
		{
			name:           "empty_fragment_is_noop",
			existing:       "Hello",
			fragment:       "",
			lastBlockStart: 0,
			wantContent:    "Hello",
			wantBlockStart: 0,
		},
		{
			name:           "first_fragment",
			existing:       "",
			fragment:       "Hello",
			lastBlockStart: 0,
			wantContent:    "Hello",
			wantBlockStart: 0,
		},
		{
			name:           "continuation_replaces_tail",
			existing:       "Hello",
			fragment:       "Hello world",
			lastBlockStart: 0,
			wantContent:    "Hello world",
			wantBlockStart: 0,
		},
		{
			name:           "new_block_appends",
			existing:       "Hello world",
			fragment:       "Block2",
			lastBlockStart: 0,
			wantContent:    "Hello worldBlock2",
			wantBlockStart: 11,
		},
		{
			name:           "exact_tail_replay_is_idempotent",
			existing:       "Hello worldBlock2",
			fragment:       "Block2",
			lastBlockStart: 11,
			wantContent:    "Hello worldBlock2",
			wantBlockStart: 11,
		},
		{
			name:           "continuation_after_block_reset",
			existing:       "Hello worldBlock2",
			fragment:       "Block2 more",
			lastBlockStart: 11,
			wantContent:    "Hello worldBlock2 more",
			wantBlockStart: 11,
		},
		{
			name:           "block_start_past_end_is_clamped",
			existing:       "Hi",
			fragment:       "next",
			lastBlockStart: 99,
			wantContent:    "Hinext",
			wantBlockStart: 2,
		},
		{
			name:           "negative_block_start_is_clamped",
			existing:       "Hi",
			fragment:       "Hi there",
			lastBlockStart: -3,
			wantContent:    "Hi there",
			wantBlockStart: 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, gotStart := mergeAssistantDelta(tc.existing, tc.fragment, tc.lastBlockStart)
			if got != tc.wantContent || gotStart != tc.wantBlockStart {
				t.Fatalf("mergeAssistantDelta(%q, %q, %d) got=(%q, %d) want=(%q, %d)",
					tc.existing, tc.fragment, tc.lastBlockStart, got, gotStart, tc.wantContent, tc.wantBlockStart)
			}
		})
	}
}

func TestMergeAssistantDeltaDuplicateDelivery(t *testing.T) {
	t.Parallel()

	// At-least-once delivery: every snapshot may arrive twice in a row, and
	// the duplicate must be a no-op.
	fragments := []string{"He", "Hello", "Hello wor", "Hello world", "B2", "B2 tail"}

	content, start := "", 0
	for _, f := range fragments {
		content, start = mergeAssistantDelta(content, f, start)
		dupContent, dupStart := mergeAssistantDelta(content, f, start)
		if dupContent != content || dupStart != start {
			t.Fatalf("duplicate %q changed state: got=(%q, %d) want=(%q, %d)", f, dupContent, dupStart, content, start)
		}
	}
	if content != "Hello worldB2 tail" || start != 11 {
		t.Fatalf("final state got=(%q, %d) want=(%q, %d)", content, start, "Hello worldB2 tail", 11)
	}
}
