package repo

import (
	"testing"

	"repairline/internal/domain"
)

func ptr(s string) *string { return &s }

func TestBuildTreeNestsOneLevel(t *testing.T) {
	items := []domain.RepairItem{
		{ID: "leaf", SortOrder: 2},
		{ID: "group", IsGroup: true, SortOrder: 1},
		{ID: "child", ParentRepairItemID: ptr("group")},
		{ID: "grandchild", ParentRepairItemID: ptr("child")},
		{ID: "orphan", ParentRepairItemID: ptr("missing"), SortOrder: 3},
		{ID: "under-leaf", ParentRepairItemID: ptr("leaf"), SortOrder: 4},
	}
	options := []domain.RepairOption{{ID: "opt", RepairItemID: "leaf"}}
	results := []domain.CheckResult{{ID: "r1", RAGStatus: domain.SeverityRed}}
	links := map[string][]string{"child": {"r1", "gone"}}

	top := BuildTree(items, options, results, links)
	var ids []string
	for _, it := range top {
		ids = append(ids, it.ID)
	}
	want := []string{"group", "leaf", "orphan", "under-leaf"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
	group := top[0]
	if len(group.Children) != 1 || group.Children[0].ID != "child" {
		t.Fatalf("expected single child, got %+v", group.Children)
	}
	if len(group.Children[0].Results) != 1 {
		t.Fatalf("expected dangling link dropped, got %+v", group.Children[0].Results)
	}
	if len(top[1].Options) != 1 {
		t.Fatalf("expected leaf option attached")
	}
	if top[2].ParentRepairItemID != nil || top[3].ParentRepairItemID != nil {
		t.Fatalf("promoted items should lose their parent reference")
	}
}
