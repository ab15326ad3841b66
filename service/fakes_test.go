package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"cinegraph-server/models"

	"github.com/google/uuid"
)

// memStore 是 Store 的内存实现，测试用。
type memStore struct {
	mu       sync.Mutex
	projects map[string]*models.Project
	scenes   map[string][]models.Scene
	stages   map[string][]models.Stage
}

func newMemStore() *memStore {
	return &memStore{
		projects: make(map[string]*models.Project),
		scenes:   make(map[string][]models.Scene),
		stages:   make(map[string][]models.Stage),
	}
}

func (m *memStore) CreateProject(p *models.Project, scenes []models.Scene, stages []models.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.projects[p.ID] = &cp
	m.scenes[p.ID] = append([]models.Scene(nil), scenes...)
	m.stages[p.ID] = append([]models.Stage(nil), stages...)
	return nil
}

func (m *memStore) GetProject(id string) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetScenes(projectID string) ([]models.Scene, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.Scene(nil), m.scenes[projectID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *memStore) GetStages(projectID string) ([]models.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.Stage(nil), m.stages[projectID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Ord < out[j].Ord })
	return out, nil
}

func (m *memStore) UpdateStage(st *models.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group := m.stages[st.ProjectID]
	for i := range group {
		if group[i].ID == st.ID {
			group[i] = *st
			return nil
		}
	}
	return fmt.Errorf("stage %s not found", st.ID)
}

func (m *memStore) UpdateScene(sc *models.Scene) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group := m.scenes[sc.ProjectID]
	for i := range group {
		if group[i].ID == sc.ID {
			group[i] = *sc
			return nil
		}
	}
	return fmt.Errorf("scene %s not found", sc.ID)
}

func (m *memStore) UpdateProjectStatus(id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return fmt.Errorf("project %s not found", id)
	}
	p.Status = status
	return nil
}

func (m *memStore) SetProjectVideo(id, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return fmt.Errorf("project %s not found", id)
	}
	p.FinalVideoKey = key
	return nil
}

func (m *memStore) ListRunningStages() ([]models.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Stage
	for _, group := range m.stages {
		for i := range group {
			if group[i].State == models.StageRunning {
				out = append(out, group[i])
			}
		}
	}
	return out, nil
}

func (m *memStore) ListUnfinishedProjects() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, group := range m.stages {
		for i := range group {
			if !group[i].Terminal() {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) DeleteProject(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, id)
	delete(m.scenes, id)
	delete(m.stages, id)
	return nil
}

// memAssets 是 AssetStore 的内存实现。
type memAssets struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemAssets() *memAssets {
	return &memAssets{data: make(map[string][]byte)}
}

func (m *memAssets) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return key, nil
}

func (m *memAssets) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("asset %s not found", key)
	}
	return append([]byte(nil), data...), nil
}

// stubCapability 实现全部生成能力。可按场景注入失败队列，阻塞钩子用于
// 取消测试。
type stubCapability struct {
	mu           sync.Mutex
	imageErrs    map[int][]error
	animateErrs  map[int][]error
	imageCalls   map[int]int
	composeCalls int
	composeScene []int
	blockImage   chan struct{} // 非 nil 时 GenerateImage 阻塞直到关闭
}

func newStubCapability() *stubCapability {
	return &stubCapability{
		imageErrs:   make(map[int][]error),
		animateErrs: make(map[int][]error),
		imageCalls:  make(map[int]int),
	}
}

func (a *stubCapability) popErr(queue map[int][]error, scene int) error {
	if q := queue[scene]; len(q) > 0 {
		err := q[0]
		queue[scene] = q[1:]
		return err
	}
	return nil
}

func (a *stubCapability) GenerateImage(ctx context.Context, p ImageParams) ([]byte, error) {
	a.mu.Lock()
	a.imageCalls[p.SceneNumber]++
	block := a.blockImage
	err := a.popErr(a.imageErrs, p.SceneNumber)
	a.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, transientf("interrupted: %v", ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte("image-" + fmt.Sprint(p.SceneNumber)), nil
}

func (a *stubCapability) Animate(ctx context.Context, p AnimateParams) ([]byte, error) {
	a.mu.Lock()
	err := a.popErr(a.animateErrs, p.SceneNumber)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(p.Image) == 0 {
		return nil, permanentf("animate called without image")
	}
	return []byte("clip-" + fmt.Sprint(p.SceneNumber)), nil
}

func (a *stubCapability) MixAudio(ctx context.Context, p AudioMixParams) ([]byte, error) {
	if len(p.Clip) == 0 {
		return nil, permanentf("audio mix called without clip")
	}
	return append(p.Clip, []byte("-mixed")...), nil
}

func (a *stubCapability) Compose(ctx context.Context, p ComposeParams) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.composeCalls++
	a.composeScene = nil
	for _, c := range p.Clips {
		a.composeScene = append(a.composeScene, c.SceneNumber)
	}
	return []byte("final"), nil
}

func (a *stubCapability) composed() (int, []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.composeCalls, append([]int(nil), a.composeScene...)
}

type testEnv struct {
	scheduler *Scheduler
	store     *memStore
	assets    *memAssets
	hub       *Hub
	caps      *stubCapability
	pools     *WorkerPools
}

func newTestEnv(t *testing.T, mutate func(*SchedulerConfig)) *testEnv {
	t.Helper()
	return newTestEnvSafety(t, mutate, nil)
}

// newTestEnvSafety 允许替换安全门实现，safety 为 nil 时用默认词表。
func newTestEnvSafety(t *testing.T, mutate func(*SchedulerConfig), safety SafetyChecker) *testEnv {
	t.Helper()
	pools, err := NewWorkerPools(2, 4)
	if err != nil {
		t.Fatal("failed to create worker pools:", err)
	}
	t.Cleanup(pools.Release)

	cfg := SchedulerConfig{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		GPUTimeout:  5 * time.Second,
		CPUTimeout:  5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if safety == nil {
		safety = NewBlocklistChecker([]string{"forbidden"}, "block_medium_and_above")
	}
	store := newMemStore()
	assets := newMemAssets()
	hub := NewHub()
	caps := newStubCapability()
	adapters := Adapters{
		Images: caps,
		Video:  caps,
		Audio:  caps,
		Comp:   caps,
		Safety: safety,
	}
	return &testEnv{
		scheduler: NewScheduler(store, assets, adapters, pools, hub, cfg),
		store:     store,
		assets:    assets,
		hub:       hub,
		caps:      caps,
		pools:     pools,
	}
}

// assetGate 按资产内容拦截，提示词一律放行。
type assetGate struct {
	blockedData string
}

func (g *assetGate) Evaluate(ctx context.Context, in SafetyInput) (Verdict, error) {
	if in.Prompt != "" {
		return Verdict{Allowed: true}, nil
	}
	if g.blockedData != "" && strings.Contains(string(in.Asset), g.blockedData) {
		return Verdict{Allowed: false, Reason: "blocked asset content"}, nil
	}
	return Verdict{Allowed: true}, nil
}

func testProject(title string) *models.Project {
	return &models.Project{ID: uuid.NewString(), Title: title}
}

func testScene(projectID string, number int, prompt string, sfx bool) models.Scene {
	sc := models.Scene{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Number:      number,
		Prompt:      prompt,
		Duration:    5,
		StylePreset: "cinematic",
		Transition:  models.TransitionCrossfade,
	}
	if sfx {
		sc.SoundEffects = models.SoundEffectList{{Type: "ambient", Description: "wind"}}
	}
	return sc
}

// drainEvents 读空订阅通道中已缓冲的事件。
func drainEvents(ch chan StageEvent) []StageEvent {
	var out []StageEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func stagesByKind(stages []models.Stage, kind string) []models.Stage {
	var out []models.Stage
	for i := range stages {
		if stages[i].Kind == kind {
			out = append(out, stages[i])
		}
	}
	return out
}

func sceneStages(stages []models.Stage, number int) []models.Stage {
	var out []models.Stage
	for i := range stages {
		if stages[i].SceneNumber == number {
			out = append(out, stages[i])
		}
	}
	return out
}
