package service

import (
	"fmt"

	"cinegraph-server/models"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

// WorkerPools 是进程级的资源池：每个资源类别一个有界 ants 池，
// 由所有项目共享。类别内按 FIFO 派发，GPU 并发不会超过配置槽数。
type WorkerPools struct {
	queues map[string]chan func()
	pools  map[string]*ants.Pool
}

func NewWorkerPools(gpuSlots, cpuSlots int) (*WorkerPools, error) {
	panicHandler := func(p interface{}) {
		log.Error().Interface("panic", p).Msg("panic in worker pool")
	}
	w := &WorkerPools{
		queues: make(map[string]chan func()),
		pools:  make(map[string]*ants.Pool),
	}
	for class, slots := range map[string]int{
		models.ClassGPU: gpuSlots,
		models.ClassCPU: cpuSlots,
	} {
		pool, err := ants.NewPool(slots, ants.WithPanicHandler(panicHandler))
		if err != nil {
			return nil, fmt.Errorf("create %s pool: %w", class, err)
		}
		queue := make(chan func(), 1024)
		w.pools[class] = pool
		w.queues[class] = queue
		// 每类一个派发协程：池满时 Submit 阻塞，天然保持 FIFO 与并发上限
		go func(pool *ants.Pool, queue chan func()) {
			for task := range queue {
				if err := pool.Submit(task); err != nil {
					log.Error().Err(err).Msg("worker pool submit failed")
				}
			}
		}(pool, queue)
	}
	return w, nil
}

// Enqueue 将任务追加到对应类别的 FIFO 队列。
func (w *WorkerPools) Enqueue(class string, task func()) error {
	queue, ok := w.queues[class]
	if !ok {
		return fmt.Errorf("unknown resource class: %s", class)
	}
	queue <- task
	return nil
}

func (w *WorkerPools) Release() {
	for _, q := range w.queues {
		close(q)
	}
	for _, p := range w.pools {
		p.Release()
	}
}
