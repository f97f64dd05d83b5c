package taskstore

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewTaskNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      NewTask
		wantErr string
		want    NewTask
	}{
		{name: "trims and defaults priority", in: NewTask{Title: "  buy milk "}, want: NewTask{Title: "buy milk", Priority: PriorityMedium}},
		{name: "explicit priority", in: NewTask{Title: "x", Priority: "HIGH"}, want: NewTask{Title: "x", Priority: PriorityHigh}},
		{name: "empty title", in: NewTask{Title: "   "}, wantErr: "title"},
		{name: "long title", in: NewTask{Title: strings.Repeat("a", MaxTitleChars+1)}, wantErr: "title"},
		{name: "long description", in: NewTask{Title: "x", Description: strings.Repeat("d", MaxDescriptionChars+1)}, wantErr: "description"},
		{name: "bad priority", in: NewTask{Title: "x", Priority: "urgent"}, wantErr: "priority"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.in
			err := got.Normalize()
			if tc.wantErr != "" {
				var fe *FieldError
				if !errors.As(err, &fe) || fe.Field != tc.wantErr {
					t.Fatalf("expected %s FieldError for %+v, got %v", tc.wantErr, tc.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestPatchNormalizeAndApply(t *testing.T) {
	var empty Patch
	if err := empty.Normalize(); !errors.Is(err, ErrEmptyPatch) {
		t.Fatalf("empty patch must be rejected, got %v", err)
	}

	title := "  new title "
	pr := Priority("Low")
	p := Patch{Title: &title, Priority: &pr}
	if err := p.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	got := p.Apply(Task{Title: "old", Description: "keep", Priority: PriorityHigh})
	if got.Title != "new title" || got.Description != "keep" || got.Priority != PriorityLow {
		t.Fatalf("unexpected patched task: %+v", got)
	}
}

func TestParseStatusFilter(t *testing.T) {
	for in, want := range map[string]StatusFilter{"": StatusAll, "ALL": StatusAll, "pending": StatusPending, " completed ": StatusCompleted} {
		got, err := ParseStatusFilter(in)
		if err != nil || got != want {
			t.Fatalf("ParseStatusFilter(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseStatusFilter("done"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestSummarize(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Summarize([]Task{
		{Priority: PriorityHigh, Completed: true, UpdatedAt: t0},
		{Priority: PriorityHigh, UpdatedAt: t0.Add(time.Hour)},
		{Priority: PriorityLow, UpdatedAt: t0.Add(-time.Hour)},
	})
	if s.Total != 3 || s.Completed != 1 || s.Pending != 2 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.ByPriority[PriorityHigh] != 2 || s.ByPriority[PriorityLow] != 1 {
		t.Fatalf("unexpected priority counts: %+v", s.ByPriority)
	}
	if s.LastUpdated == nil || !s.LastUpdated.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected last updated: %v", s.LastUpdated)
	}
	if empty := Summarize(nil); empty.Total != 0 || empty.LastUpdated != nil {
		t.Fatalf("unexpected empty summary: %+v", empty)
	}
}
