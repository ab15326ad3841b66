package service

import (
	"time"

	"cinegraph-server/models"

	"github.com/google/uuid"
)

// StageGraph 是一个项目的阶段 DAG：阶段顺序存放（arena），
// 依赖边以下标表示，便于遍历与级联更新。
type StageGraph struct {
	Stages []models.Stage
	// 转场列表，长度为场景数-1，composition 阶段执行时使用
	Transitions []string

	index      map[string]int // stage id -> arena 下标
	deps       [][]int        // 下标 -> 依赖下标
	dependents [][]int        // 下标 -> 反向边（依赖它的阶段）
}

// BuildGraph 将项目定义展开为阶段图。
// 每个场景: safety_check -> image_gen -> animate [-> audio_mix]，
// 末尾一个 composition 阶段依赖每个场景链的最后一个阶段。
// 场景号不唯一、不从 1 连续、或时长 <= 0 时返回 BuildError。
func BuildGraph(p *models.Project, scenes []models.Scene) (*StageGraph, error) {
	if len(scenes) == 0 {
		return nil, buildErrorf("project %s has no scenes", p.ID)
	}
	seen := make(map[int]bool, len(scenes))
	for i := range scenes {
		sc := &scenes[i]
		if seen[sc.Number] {
			return nil, buildErrorf("duplicate scene number %d", sc.Number)
		}
		seen[sc.Number] = true
		if sc.Duration <= 0 {
			return nil, buildErrorf("scene %d: duration must be > 0, got %v", sc.Number, sc.Duration)
		}
		if !models.ValidTransition(sc.Transition) {
			return nil, buildErrorf("scene %d: unknown transition %q", sc.Number, sc.Transition)
		}
	}
	for n := 1; n <= len(scenes); n++ {
		if !seen[n] {
			return nil, buildErrorf("scene numbers must be contiguous from 1, missing %d", n)
		}
	}

	g := &StageGraph{}
	now := time.Now()
	newStage := func(kind, class string, sc *models.Scene, deps []string) models.Stage {
		st := models.Stage{
			ID:        uuid.NewString(),
			ProjectID: p.ID,
			Kind:      kind,
			Class:     class,
			State:     models.StagePending,
			DependsOn: deps,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if sc != nil {
			st.SceneID = sc.ID
			st.SceneNumber = sc.Number
		}
		if len(deps) == 0 {
			st.State = models.StageReady
		}
		return st
	}

	// 场景按编号顺序展开
	ordered := make([]*models.Scene, len(scenes))
	for i := range scenes {
		ordered[scenes[i].Number-1] = &scenes[i]
	}

	compDeps := make([]string, 0, len(ordered))
	for _, sc := range ordered {
		check := newStage(models.KindSafetyCheck, models.ClassCPU, sc, nil)
		image := newStage(models.KindImageGen, models.ClassGPU, sc, []string{check.ID})
		animate := newStage(models.KindAnimate, models.ClassGPU, sc, []string{image.ID})
		g.Stages = append(g.Stages, check, image, animate)
		last := animate.ID
		if len(sc.SoundEffects) > 0 {
			mix := newStage(models.KindAudioMix, models.ClassCPU, sc, []string{animate.ID})
			g.Stages = append(g.Stages, mix)
			last = mix.ID
		}
		compDeps = append(compDeps, last)
	}
	comp := newStage(models.KindComposition, models.ClassCPU, nil, compDeps)
	g.Stages = append(g.Stages, comp)
	for i := range g.Stages {
		g.Stages[i].Ord = i
	}

	for i := 0; i < len(ordered)-1; i++ {
		tr := ordered[i].Transition
		if tr == "" {
			tr = models.TransitionNone
		}
		g.Transitions = append(g.Transitions, tr)
	}

	if err := g.buildEdges(); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadGraph 从已持久化的阶段重建图结构（恢复与重试路径）。
func LoadGraph(stages []models.Stage, scenes []models.Scene) (*StageGraph, error) {
	g := &StageGraph{Stages: stages}
	ordered := make([]*models.Scene, len(scenes))
	for i := range scenes {
		n := scenes[i].Number
		if n < 1 || n > len(scenes) || ordered[n-1] != nil {
			return nil, buildErrorf("corrupt scene numbering for project")
		}
		ordered[n-1] = &scenes[i]
	}
	for i := 0; i < len(ordered)-1; i++ {
		tr := ordered[i].Transition
		if tr == "" {
			tr = models.TransitionNone
		}
		g.Transitions = append(g.Transitions, tr)
	}
	if err := g.buildEdges(); err != nil {
		return nil, err
	}
	return g, nil
}

// buildEdges 建立下标边并做一次拓扑检查，保证无环、无悬空依赖。
func (g *StageGraph) buildEdges() error {
	g.index = make(map[string]int, len(g.Stages))
	for i := range g.Stages {
		g.index[g.Stages[i].ID] = i
	}
	g.deps = make([][]int, len(g.Stages))
	g.dependents = make([][]int, len(g.Stages))
	indegree := make([]int, len(g.Stages))
	for i := range g.Stages {
		for _, dep := range g.Stages[i].DependsOn {
			j, ok := g.index[dep]
			if !ok {
				return buildErrorf("stage %s depends on unknown stage %s", g.Stages[i].ID, dep)
			}
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
			indegree[i]++
		}
	}

	queue := make([]int, 0, len(g.Stages))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		visited++
		for _, j := range g.dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	if visited != len(g.Stages) {
		return buildErrorf("stage dependencies contain a cycle")
	}
	return nil
}

// Stage 按 id 返回阶段指针；图内阶段是唯一可变副本。
func (g *StageGraph) Stage(id string) *models.Stage {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return &g.Stages[i]
}

// Dependents 返回直接依赖 id 的所有阶段下标。
func (g *StageGraph) Dependents(id string) []int {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.dependents[i]
}

// DepsSucceeded 判断 id 的全部依赖是否成功（waived 集合中的依赖视为已豁免）。
func (g *StageGraph) DepsSucceeded(id string, waived map[string]bool) bool {
	i, ok := g.index[id]
	if !ok {
		return false
	}
	for _, j := range g.deps[i] {
		dep := &g.Stages[j]
		if dep.State == models.StageSucceeded {
			continue
		}
		if waived != nil && waived[dep.ID] {
			continue
		}
		return false
	}
	return true
}

// TransitiveDependents 自 id 出发沿反向边做 BFS，返回全部下游阶段下标。
func (g *StageGraph) TransitiveDependents(id string) []int {
	start, ok := g.index[id]
	if !ok {
		return nil
	}
	seen := make(map[int]bool)
	queue := append([]int(nil), g.dependents[start]...)
	var out []int
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
		queue = append(queue, g.dependents[i]...)
	}
	return out
}

// Composition 返回合成阶段。
func (g *StageGraph) Composition() *models.Stage {
	for i := range g.Stages {
		if g.Stages[i].Kind == models.KindComposition {
			return &g.Stages[i]
		}
	}
	return nil
}
