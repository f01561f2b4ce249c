package worker

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type TaskStop struct{}

type Task interface{}

// Worker runs the tasks sent to it one at a time on its own goroutine.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	closeCh  chan struct{}
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			task := <-w.receiver
			if _, ok := task.(TaskStop); ok {
				log.Debug("worker stopped", zap.String("worker", w.name))
				return
			}
			handler.Handle(task)
		}
	}()
}

// StartTicker sends the task produced by newTask every interval until Stop.
// A tick is skipped when the worker is still busy with earlier tasks.
func (w *Worker) StartTicker(interval time.Duration, newTask func() Task) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.closeCh:
				return
			case <-ticker.C:
				select {
				case w.sender <- newTask():
				default:
					log.Warn("worker is busy, skip tick", zap.String("worker", w.name))
				}
			}
		}
	}()
}

// Stop makes the worker return after the tasks queued so far. It does not
// wait, use the WaitGroup passed to NewWorker for that.
func (w *Worker) Stop() {
	close(w.closeCh)
	w.sender <- TaskStop{}
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		closeCh:  make(chan struct{}),
		name:     name,
		wg:       wg,
	}
}
