package service

import (
	"context"
	"sync"
	"time"

	"cinegraph-server/models"

	"github.com/rs/zerolog/log"
)

type SchedulerConfig struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	GPUTimeout   time.Duration
	CPUTimeout   time.Duration
	CheckAssets  bool
	AllowPartial bool // 允许部分场景失败时仍执行合成
	FilterLevel  string
}

type ProjectHandle struct {
	ProjectID  string `json:"projectId"`
	StageCount int    `json:"stageCount"`
	Status     string `json:"status"`
}

// Scheduler 是管线编排的核心状态机。每个活动项目由一个 Run 循环独占其
// 阶段状态表（消息传递，无共享可变状态）；工作池按资源类别全局共享。
type Scheduler struct {
	store    Store
	assets   AssetStore
	adapters Adapters
	pools    *WorkerPools
	hub      *Hub
	cfg      SchedulerConfig

	// 项目运行任务的入队钩子，生产环境为 asynq
	enqueueRun func(projectID string) error

	mu     sync.Mutex
	active map[string]*projectRun
}

func NewScheduler(store Store, assets AssetStore, adapters Adapters, pools *WorkerPools, hub *Hub, cfg SchedulerConfig) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 3 * time.Second
	}
	if cfg.GPUTimeout <= 0 {
		cfg.GPUTimeout = 15 * time.Minute
	}
	if cfg.CPUTimeout <= 0 {
		cfg.CPUTimeout = 5 * time.Minute
	}
	return &Scheduler{
		store:      store,
		assets:     assets,
		adapters:   adapters,
		pools:      pools,
		hub:        hub,
		cfg:        cfg,
		enqueueRun: func(string) error { return nil },
		active:     make(map[string]*projectRun),
	}
}

// SetRunQueue 注入项目运行任务的入队实现。
func (s *Scheduler) SetRunQueue(enqueue func(projectID string) error) {
	s.enqueueRun = enqueue
}

const (
	evCompleted = iota
	evRequeue
)

type runEvent struct {
	kind    int
	stageID string
	output  string
	err     error
}

type projectRun struct {
	projectID  string
	graph      *StageGraph
	scenes     []models.Scene
	events     chan runEvent
	cancelCh   chan struct{}
	cancelOnce sync.Once
	cancelled  bool
	waived     map[string]bool
	inflight   int
}

func (r *projectRun) requestCancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

// Submit 校验项目、构建阶段图、持久化全部记录并入队运行任务。
// 图构建失败同步返回 BuildError，不产生任何工作。
func (s *Scheduler) Submit(p *models.Project, scenes []models.Scene) (*ProjectHandle, error) {
	graph, err := BuildGraph(p, scenes)
	if err != nil {
		return nil, err
	}
	p.Status = models.ProjectStatusQueued
	p.SceneCount = len(scenes)
	if err := s.store.CreateProject(p, scenes, graph.Stages); err != nil {
		return nil, err
	}
	if err := s.enqueueRun(p.ID); err != nil {
		return nil, err
	}
	log.Info().Str("project", p.ID).Int("stages", len(graph.Stages)).Msg("project submitted")
	return &ProjectHandle{
		ProjectID:  p.ID,
		StageCount: len(graph.Stages),
		Status:     p.Status,
	}, nil
}

// Cancel 将项目的所有非终态阶段标记为 cancelled。幂等。
// 在途阶段允许跑完，但结果会被丢弃；之后不再派发该项目的新阶段。
func (s *Scheduler) Cancel(projectID string) error {
	s.mu.Lock()
	run := s.active[projectID]
	s.mu.Unlock()
	if run != nil {
		run.requestCancel()
		return nil
	}

	// 项目未在运行（排队中或重试间隙），直接落库取消
	stages, err := s.store.GetStages(projectID)
	if err != nil {
		return err
	}
	changed := false
	for i := range stages {
		if stages[i].Terminal() {
			continue
		}
		stages[i].State = models.StageCancelled
		stages[i].FinishedAt = time.Now()
		if err := s.store.UpdateStage(&stages[i]); err != nil {
			return err
		}
		changed = true
	}
	if changed {
		if err := s.store.UpdateProjectStatus(projectID, models.DeriveProjectStatus(stages)); err != nil {
			return err
		}
	}

	// Run 可能在最开始的检查之后才注册并快照了阶段表，上面的落库会被
	// 其 persistStage 覆盖。落库后再查一次，把取消转发给期间启动的运行循环。
	s.mu.Lock()
	run = s.active[projectID]
	s.mu.Unlock()
	if run != nil {
		run.requestCancel()
	}
	return nil
}

// Retry 仅在项目处于 failed 状态时允许：可重试的失败阶段重置为 ready，
// 其下游被取消的阶段在依赖可再次成功时恢复为 pending，随后重新入队调度。
func (s *Scheduler) Retry(projectID string) error {
	s.mu.Lock()
	if _, running := s.active[projectID]; running {
		s.mu.Unlock()
		return &InvalidStateError{Reason: "project is currently running"}
	}
	s.mu.Unlock()

	project, err := s.store.GetProject(projectID)
	if err != nil {
		return err
	}
	if project.Status != models.ProjectStatusFailed {
		return &InvalidStateError{Reason: "retry requires failed status, project is " + project.Status}
	}

	scenes, err := s.store.GetScenes(projectID)
	if err != nil {
		return err
	}
	stages, err := s.store.GetStages(projectID)
	if err != nil {
		return err
	}
	graph, err := LoadGraph(stages, scenes)
	if err != nil {
		return err
	}

	// 第一遍：重置可重试的失败阶段
	for i := range graph.Stages {
		st := &graph.Stages[i]
		if st.State == models.StageFailed && st.Retryable() {
			st.State = models.StageReady
			st.Attempts = 0
			st.LastError = ""
			st.ErrorKind = ""
		}
	}
	// 第二遍：仍然失败的阶段及其全部下游视为死路，其余被取消的阶段复活
	dead := make(map[string]bool)
	for i := range graph.Stages {
		if graph.Stages[i].State == models.StageFailed {
			dead[graph.Stages[i].ID] = true
			for _, j := range graph.TransitiveDependents(graph.Stages[i].ID) {
				dead[graph.Stages[j].ID] = true
			}
		}
	}
	for i := range graph.Stages {
		st := &graph.Stages[i]
		if st.State == models.StageCancelled && !dead[st.ID] {
			st.State = models.StagePending
			st.FinishedAt = time.Time{}
		}
	}
	for i := range graph.Stages {
		if err := s.store.UpdateStage(&graph.Stages[i]); err != nil {
			return err
		}
	}
	if err := s.store.UpdateProjectStatus(projectID, models.ProjectStatusQueued); err != nil {
		return err
	}
	log.Info().Str("project", projectID).Msg("project retry enqueued")
	return s.enqueueRun(projectID)
}

// Progress 返回项目当前的进度快照。
func (s *Scheduler) Progress(projectID string) (Progress, error) {
	project, err := s.store.GetProject(projectID)
	if err != nil {
		return Progress{}, err
	}
	stages, err := s.store.GetStages(projectID)
	if err != nil {
		return Progress{}, err
	}
	return ComputeProgress(projectID, project.Status, stages), nil
}

// Recover 在启动时执行崩溃恢复：running 状态的阶段视为 transient 失败
// 并重置为 ready，含未完成阶段的项目重新入队。
func (s *Scheduler) Recover() error {
	running, err := s.store.ListRunningStages()
	if err != nil {
		return err
	}
	for i := range running {
		running[i].State = models.StageReady
		running[i].LastError = "interrupted by restart"
		running[i].ErrorKind = models.ErrKindTransient
		if err := s.store.UpdateStage(&running[i]); err != nil {
			return err
		}
	}
	ids, err := s.store.ListUnfinishedProjects()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.enqueueRun(id); err != nil {
			return err
		}
		log.Info().Str("project", id).Msg("re-enqueued unfinished project after restart")
	}
	return nil
}

// Run 驱动一个项目直到所有阶段进入终态。由队列消费者调用；
// 循环是该项目阶段状态的唯一修改者，适配器调用不持有任何锁。
func (s *Scheduler) Run(ctx context.Context, projectID string) error {
	s.mu.Lock()
	if _, exists := s.active[projectID]; exists {
		s.mu.Unlock()
		return nil
	}
	run := &projectRun{
		projectID: projectID,
		events:    make(chan runEvent, 256),
		cancelCh:  make(chan struct{}),
		waived:    make(map[string]bool),
	}
	s.active[projectID] = run
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, projectID)
		s.mu.Unlock()
	}()

	scenes, err := s.store.GetScenes(projectID)
	if err != nil {
		return err
	}
	stages, err := s.store.GetStages(projectID)
	if err != nil {
		return err
	}
	graph, err := LoadGraph(stages, scenes)
	if err != nil {
		return err
	}
	run.graph = graph
	run.scenes = scenes

	// 上次运行中断遗留的 running 阶段按 transient 失败重跑
	for i := range graph.Stages {
		if graph.Stages[i].State == models.StageRunning {
			graph.Stages[i].State = models.StageReady
			s.persistStage(&graph.Stages[i])
		}
	}

	select {
	case <-run.cancelCh:
		s.applyCancel(run)
	default:
	}

	// 初始解锁与派发
	for i := range graph.Stages {
		st := &graph.Stages[i]
		if st.State == models.StagePending && graph.DepsSucceeded(st.ID, run.waived) {
			st.State = models.StageReady
			s.persistStage(st)
		}
	}
	if !run.cancelled {
		if models.DeriveProjectStatus(graph.Stages) == models.ProjectStatusQueued {
			_ = s.store.UpdateProjectStatus(projectID, models.ProjectStatusRunning)
		}
		for i := range graph.Stages {
			if graph.Stages[i].State == models.StageReady {
				s.dispatch(ctx, run, &graph.Stages[i])
			}
		}
		s.maybeComposition(ctx, run)
	}

	for run.inflight > 0 {
		select {
		case <-run.cancelCh:
			run.cancelCh = nil // 已处理，select 不再命中
			s.applyCancel(run)
		case ev := <-run.events:
			switch ev.kind {
			case evCompleted:
				s.handleCompleted(ctx, run, ev)
			case evRequeue:
				s.handleRequeue(ctx, run, ev)
			}
		}
	}

	// 取消请求可能在最后一个事件之后才到达
	select {
	case <-run.cancelCh:
		s.applyCancel(run)
	default:
	}

	final := models.DeriveProjectStatus(run.graph.Stages)
	if err := s.store.UpdateProjectStatus(projectID, final); err != nil {
		return err
	}
	log.Info().Str("project", projectID).Str("status", final).Msg("project run finished")
	return nil
}

// dispatch 将一个 ready 阶段转入 running 并提交到对应资源池。
// 适配器调用在池内执行，完成事件回到本项目的事件通道。
func (s *Scheduler) dispatch(ctx context.Context, run *projectRun, st *models.Stage) {
	st.State = models.StageRunning
	st.StartedAt = time.Now()
	s.persistStage(st)
	s.publish(run, st)

	req := s.buildExecRequest(run, st)
	run.inflight++
	stageID := st.ID
	if err := s.pools.Enqueue(st.Class, func() {
		output, execErr := s.executeStage(ctx, req)
		run.events <- runEvent{kind: evCompleted, stageID: stageID, output: output, err: execErr}
	}); err != nil {
		// 入队失败走常规失败路径，项目才能收敛到终态
		run.inflight--
		s.failStage(ctx, run, st, transientf("enqueue %s stage: %v", st.Class, err))
	}
}

func (s *Scheduler) handleCompleted(ctx context.Context, run *projectRun, ev runEvent) {
	run.inflight--
	st := run.graph.Stage(ev.stageID)
	if st == nil || st.State != models.StageRunning {
		// 在途期间被取消，结果丢弃
		return
	}

	if ev.err == nil {
		st.State = models.StageSucceeded
		st.OutputKey = ev.output
		st.FinishedAt = time.Now()
		st.LastError = ""
		st.ErrorKind = ""
		s.persistStage(st)
		s.recordSceneOutput(run, st)
		s.publish(run, st)

		if run.cancelled {
			return
		}
		for _, j := range run.graph.Dependents(st.ID) {
			dep := &run.graph.Stages[j]
			if dep.State == models.StagePending && dep.Kind != models.KindComposition &&
				run.graph.DepsSucceeded(dep.ID, run.waived) {
				dep.State = models.StageReady
				s.persistStage(dep)
				s.publish(run, dep)
				s.dispatch(ctx, run, dep)
			}
		}
		s.maybeComposition(ctx, run)
		return
	}

	s.failStage(ctx, run, st, ev.err)
}

// failStage 记录一次阶段失败并决定后续：可重试则按退避计时重新入队，
// 否则级联取消下游。派发失败与执行失败都走这条路径。
func (s *Scheduler) failStage(ctx context.Context, run *projectRun, st *models.Stage, failure error) {
	st.Attempts++
	st.State = models.StageFailed
	st.LastError = failure.Error()
	st.ErrorKind = classifyError(failure)
	st.FinishedAt = time.Now()
	s.persistStage(st)
	s.publish(run, st)

	if run.cancelled {
		return
	}

	if st.Retryable() && st.Attempts < s.cfg.MaxAttempts {
		delay := s.backoff(st.Attempts)
		log.Warn().Str("stage", st.ID).Str("kind", st.Kind).Int("attempt", st.Attempts).
			Dur("backoff", delay).Msg("stage failed, retrying")
		run.inflight++
		stageID := st.ID
		time.AfterFunc(delay, func() {
			run.events <- runEvent{kind: evRequeue, stageID: stageID}
		})
		return
	}

	log.Error().Str("stage", st.ID).Str("kind", st.Kind).Str("classification", st.ErrorKind).
		Msg("stage failed beyond retry budget, cascading")
	s.cascadeCancel(run, st)
	s.maybeComposition(ctx, run)
}

func (s *Scheduler) handleRequeue(ctx context.Context, run *projectRun, ev runEvent) {
	run.inflight--
	st := run.graph.Stage(ev.stageID)
	if st == nil || run.cancelled || st.State != models.StageFailed {
		return
	}
	st.State = models.StageReady
	s.persistStage(st)
	s.publish(run, st)
	s.dispatch(ctx, run, st)
}

// applyCancel 将所有非终态阶段标记为 cancelled。在途阶段也立即标记，
// 其完成事件到达时结果被丢弃。
func (s *Scheduler) applyCancel(run *projectRun) {
	if run.cancelled {
		return
	}
	run.cancelled = true
	for i := range run.graph.Stages {
		st := &run.graph.Stages[i]
		if st.Terminal() {
			continue
		}
		st.State = models.StageCancelled
		st.FinishedAt = time.Now()
		s.persistStage(st)
		s.publish(run, st)
	}
	log.Info().Str("project", run.projectID).Msg("project cancelled")
}

// cascadeCancel 将 st 的全部传递下游标记为 cancelled。
// 允许部分合成时不触碰 composition，由 maybeComposition 决定其去留。
func (s *Scheduler) cascadeCancel(run *projectRun, st *models.Stage) {
	for _, j := range run.graph.TransitiveDependents(st.ID) {
		dep := &run.graph.Stages[j]
		if dep.Terminal() || dep.State == models.StageRunning {
			continue
		}
		if dep.Kind == models.KindComposition && s.cfg.AllowPartial {
			continue
		}
		dep.State = models.StageCancelled
		dep.FinishedAt = time.Now()
		s.persistStage(dep)
		s.publish(run, dep)
	}
}

// maybeComposition 检查合成阶段是否可以派发或必须取消。
// 要求全部场景成功时，失败路径由 cascadeCancel 处理，这里只在依赖齐备时派发；
// 允许部分成功时，失败场景的依赖边被豁免，只要有一个场景成功就照常合成。
func (s *Scheduler) maybeComposition(ctx context.Context, run *projectRun) {
	comp := run.graph.Composition()
	if comp == nil || comp.State != models.StagePending || run.cancelled {
		return
	}
	succeeded := 0
	for _, depID := range comp.DependsOn {
		dep := run.graph.Stage(depID)
		switch dep.State {
		case models.StageSucceeded:
			succeeded++
		case models.StageFailed:
			if dep.Retryable() && dep.Attempts < s.cfg.MaxAttempts {
				return // 重试计时中，场景还有机会成功
			}
			if !s.cfg.AllowPartial {
				return // 级联取消会处理 composition
			}
			run.waived[dep.ID] = true
		case models.StageCancelled:
			if !s.cfg.AllowPartial {
				return
			}
			run.waived[dep.ID] = true
		default:
			return // 仍有场景在跑
		}
	}
	if succeeded == 0 {
		comp.State = models.StageCancelled
		comp.FinishedAt = time.Now()
		s.persistStage(comp)
		s.publish(run, comp)
		return
	}
	comp.State = models.StageReady
	s.persistStage(comp)
	s.publish(run, comp)
	s.dispatch(ctx, run, comp)
}

// recordSceneOutput 将阶段产出写回所属场景记录。
func (s *Scheduler) recordSceneOutput(run *projectRun, st *models.Stage) {
	if st.Kind == models.KindComposition {
		if err := s.store.SetProjectVideo(run.projectID, st.OutputKey); err != nil {
			log.Error().Err(err).Str("project", run.projectID).Msg("failed to record final video key")
		}
		return
	}
	if st.OutputKey == "" {
		return
	}
	for i := range run.scenes {
		if run.scenes[i].ID != st.SceneID {
			continue
		}
		switch st.Kind {
		case models.KindImageGen:
			run.scenes[i].ImageKey = st.OutputKey
		case models.KindAnimate, models.KindAudioMix:
			run.scenes[i].ClipKey = st.OutputKey
		default:
			return
		}
		if err := s.store.UpdateScene(&run.scenes[i]); err != nil {
			log.Error().Err(err).Str("scene", run.scenes[i].ID).Msg("failed to record scene output")
		}
		return
	}
}

// persistStage 写库失败时阻塞重试：控制面存储不可用期间暂停派发，
// 而不是让编排器崩溃或丢失状态转移。
func (s *Scheduler) persistStage(st *models.Stage) {
	st.UpdatedAt = time.Now()
	for attempt := 0; ; attempt++ {
		err := s.store.UpdateStage(st)
		if err == nil {
			return
		}
		wait := s.cfg.BackoffBase
		if wait > 10*time.Second {
			wait = 10 * time.Second
		}
		log.Error().Err(err).Str("stage", st.ID).Int("attempt", attempt+1).
			Msg("stage persist failed, dispatch paused until store recovers")
		time.Sleep(wait)
	}
}

func (s *Scheduler) publish(run *projectRun, st *models.Stage) {
	p := ComputeProgress(run.projectID, models.DeriveProjectStatus(run.graph.Stages), run.graph.Stages)
	s.hub.Publish(StageEvent{
		ProjectID:   run.projectID,
		StageID:     st.ID,
		SceneNumber: st.SceneNumber,
		Kind:        st.Kind,
		State:       st.State,
		Attempt:     st.Attempts,
		Error:       st.LastError,
		Percent:     p.Percent,
		Status:      p.Status,
		At:          time.Now(),
	})
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
