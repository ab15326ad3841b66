package service

import (
	"testing"

	"cinegraph-server/models"
)

func TestComputeProgressWeights(t *testing.T) {
	p := testProject("权重")
	scenes := []models.Scene{testScene(p.ID, 1, "a", false)}
	g, err := BuildGraph(p, scenes)
	if err != nil {
		t.Fatal(err)
	}
	// safety(1) + image(10) + animate(12) + composition(10) = 33
	progress := ComputeProgress(p.ID, models.ProjectStatusRunning, g.Stages)
	if progress.Percent != 0 {
		t.Fatalf("initial percent = %d, want 0", progress.Percent)
	}

	g.Stages[0].State = models.StageSucceeded // safety
	g.Stages[1].State = models.StageSucceeded // image
	progress = ComputeProgress(p.ID, models.ProjectStatusRunning, g.Stages)
	if progress.Percent != 11*100/33 {
		t.Fatalf("percent = %d, want %d", progress.Percent, 11*100/33)
	}

	for i := range g.Stages {
		g.Stages[i].State = models.StageSucceeded
	}
	progress = ComputeProgress(p.ID, models.ProjectStatusCompleted, g.Stages)
	if progress.Percent != 100 {
		t.Fatalf("all succeeded percent = %d, want 100", progress.Percent)
	}
}

func TestComputeProgressPerScene(t *testing.T) {
	p := testProject("分场景")
	scenes := []models.Scene{
		testScene(p.ID, 1, "a", false),
		testScene(p.ID, 2, "b", false),
	}
	g, err := BuildGraph(p, scenes)
	if err != nil {
		t.Fatal(err)
	}
	// 场景1 全部成功，场景2 生图失败
	for i := range g.Stages {
		st := &g.Stages[i]
		switch {
		case st.SceneNumber == 1:
			st.State = models.StageSucceeded
		case st.SceneNumber == 2 && st.Kind == models.KindSafetyCheck:
			st.State = models.StageSucceeded
		case st.SceneNumber == 2 && st.Kind == models.KindImageGen:
			st.State = models.StageFailed
			st.Attempts = 3
			st.LastError = "worker unreachable"
		case st.SceneNumber == 2:
			st.State = models.StageCancelled
		}
	}
	progress := ComputeProgress(p.ID, models.ProjectStatusFailed, g.Stages)
	if len(progress.PerScene) != 2 {
		t.Fatalf("perScene entries = %d, want 2", len(progress.PerScene))
	}
	first, second := progress.PerScene[0], progress.PerScene[1]
	if first.SceneNumber != 1 || second.SceneNumber != 2 {
		t.Fatal("perScene entries not ordered by scene number")
	}
	if first.Percent != 100 || first.Status != models.ProjectStatusCompleted {
		t.Fatalf("scene 1 = %d%% %s, want 100%% completed", first.Percent, first.Status)
	}
	// 场景2: safety(1) / 23
	if second.Percent != 100/23 {
		t.Fatalf("scene 2 percent = %d, want %d", second.Percent, 100/23)
	}
	if second.Status != models.ProjectStatusFailed {
		t.Fatalf("scene 2 status = %s, want failed", second.Status)
	}
	var imageSummary *StageSummary
	for i := range second.Stages {
		if second.Stages[i].Kind == models.KindImageGen {
			imageSummary = &second.Stages[i]
		}
	}
	if imageSummary == nil || imageSummary.Attempts != 3 || imageSummary.Error == "" {
		t.Fatalf("scene 2 image summary incomplete: %+v", imageSummary)
	}
}

func TestDeriveProjectStatus(t *testing.T) {
	mk := func(states ...string) []models.Stage {
		out := make([]models.Stage, len(states))
		for i, s := range states {
			out[i] = models.Stage{State: s}
		}
		return out
	}
	cases := []struct {
		name   string
		stages []models.Stage
		want   string
	}{
		{"all pending", mk(models.StagePending, models.StageReady), models.ProjectStatusQueued},
		{"one running", mk(models.StageSucceeded, models.StageRunning), models.ProjectStatusRunning},
		{"retry window", mk(models.StageFailed, models.StagePending), models.ProjectStatusRunning},
		{"all succeeded", mk(models.StageSucceeded, models.StageSucceeded), models.ProjectStatusCompleted},
		{"failure wins over cancel", mk(models.StageSucceeded, models.StageFailed, models.StageCancelled), models.ProjectStatusFailed},
		{"cancelled", mk(models.StageSucceeded, models.StageCancelled), models.ProjectStatusCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := models.DeriveProjectStatus(tc.stages); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}
