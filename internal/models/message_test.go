package models

import "testing"

func TestComputeContentPreview_Truncates(t *testing.T) {
	long := make([]byte, 250)
	for i := range long {
		long[i] = 'a'
	}
	content := []ContentBlock{{Type: BlockText, Text: string(long)}}

	preview := ComputeContentPreview(content)
	if len(preview) != maxContentPreviewLen {
		t.Errorf("len(preview) = %d, want %d", len(preview), maxContentPreviewLen)
	}
}

func TestComputeContentPreview_SkipsNonTextBlocks(t *testing.T) {
	content := []ContentBlock{
		{Type: BlockToolUse, ToolName: "Bash"},
		{Type: BlockText, Text: "hello"},
	}
	if got := ComputeContentPreview(content); got != "hello" {
		t.Errorf("ComputeContentPreview() = %q, want %q", got, "hello")
	}
}

func TestMessage_HasCompactionEvent(t *testing.T) {
	t.Run("system message with compaction block", func(t *testing.T) {
		m := &Message{
			Role: RoleSystem,
			Content: []ContentBlock{
				{Type: BlockSystemStatus, SystemType: SystemStatusCompaction},
			},
		}
		if !m.HasCompactionEvent() {
			t.Errorf("HasCompactionEvent() = false, want true")
		}
	})

	t.Run("non-system role never counts", func(t *testing.T) {
		m := &Message{
			Role: RoleAssistant,
			Content: []ContentBlock{
				{Type: BlockSystemStatus, SystemType: SystemStatusCompaction},
			},
		}
		if m.HasCompactionEvent() {
			t.Errorf("HasCompactionEvent() = true, want false for non-system role")
		}
	})

	t.Run("unrelated system status", func(t *testing.T) {
		m := &Message{
			Role: RoleSystem,
			Content: []ContentBlock{
				{Type: BlockSystemStatus, SystemType: "info"},
			},
		}
		if m.HasCompactionEvent() {
			t.Errorf("HasCompactionEvent() = true, want false for non-compaction status")
		}
	})
}
