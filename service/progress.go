package service

import (
	"sort"

	"cinegraph-server/models"
)

// 各阶段类型的固定进度权重，反映典型耗时：
// 安全检查很便宜，生图/动画/合成昂贵。
var stageWeights = map[string]int{
	models.KindSafetyCheck: 1,
	models.KindImageGen:    10,
	models.KindAnimate:     12,
	models.KindAudioMix:    4,
	models.KindComposition: 10,
}

func stageWeight(kind string) int {
	if w, ok := stageWeights[kind]; ok {
		return w
	}
	return 1
}

type SceneProgress struct {
	SceneNumber int            `json:"sceneNumber"`
	Percent     int            `json:"percent"`
	Status      string         `json:"status"`
	Stages      []StageSummary `json:"stages"`
}

type StageSummary struct {
	Kind     string `json:"kind"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

type Progress struct {
	ProjectID string          `json:"projectId"`
	Percent   int             `json:"percent"`
	Status    string          `json:"status"`
	PerScene  []SceneProgress `json:"perScene"`
}

// ComputeProgress 将阶段状态汇总为百分比与分场景摘要。
// 百分比 = 成功阶段的权重和 / 总权重。
func ComputeProgress(projectID, status string, stages []models.Stage) Progress {
	total := 0
	done := 0
	perScene := make(map[int][]models.Stage)
	for i := range stages {
		w := stageWeight(stages[i].Kind)
		total += w
		if stages[i].State == models.StageSucceeded {
			done += w
		}
		if stages[i].SceneNumber > 0 {
			perScene[stages[i].SceneNumber] = append(perScene[stages[i].SceneNumber], stages[i])
		}
	}

	p := Progress{ProjectID: projectID, Status: status}
	if total > 0 {
		p.Percent = done * 100 / total
	}

	numbers := make([]int, 0, len(perScene))
	for n := range perScene {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		group := perScene[n]
		sceneTotal, sceneDone := 0, 0
		sp := SceneProgress{SceneNumber: n}
		for i := range group {
			w := stageWeight(group[i].Kind)
			sceneTotal += w
			if group[i].State == models.StageSucceeded {
				sceneDone += w
			}
			sp.Stages = append(sp.Stages, StageSummary{
				Kind:     group[i].Kind,
				State:    group[i].State,
				Attempts: group[i].Attempts,
				Error:    group[i].LastError,
			})
		}
		if sceneTotal > 0 {
			sp.Percent = sceneDone * 100 / sceneTotal
		}
		sp.Status = sceneStatus(group)
		p.PerScene = append(p.PerScene, sp)
	}
	return p
}

func sceneStatus(stages []models.Stage) string {
	return models.DeriveProjectStatus(stages)
}
