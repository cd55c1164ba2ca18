package quickquiz

import (
	"sync"
)

// QuestionPool manages a FIFO queue of candidates working through their
// evaluation loops. Amended candidates are requeued at the back so every
// candidate in a batch gets its first evaluation before any second pass.
type QuestionPool struct {
	mu    sync.RWMutex
	loops map[string]*EvaluationLoop
	queue []string // FIFO queue of question IDs
}

// NewQuestionPool creates an empty pool.
func NewQuestionPool() *QuestionPool {
	return &QuestionPool{
		loops: make(map[string]*EvaluationLoop),
		queue: make([]string, 0),
	}
}

// Add queues a candidate's loop. Re-adding a question ID moves it to the
// back of the queue.
func (qp *QuestionPool) Add(loop *EvaluationLoop) {
	id := loop.Question().ID

	qp.mu.Lock()
	defer qp.mu.Unlock()

	if _, ok := qp.loops[id]; ok {
		for i, queued := range qp.queue {
			if queued == id {
				qp.queue = append(qp.queue[:i], qp.queue[i+1:]...)
				break
			}
		}
	}
	qp.loops[id] = loop
	qp.queue = append(qp.queue, id)
}

// Next pops the oldest queued loop, or nil when the pool is empty.
func (qp *QuestionPool) Next() *EvaluationLoop {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	if len(qp.queue) == 0 {
		return nil
	}

	id := qp.queue[0]
	qp.queue = qp.queue[1:]

	loop := qp.loops[id]
	delete(qp.loops, id)

	return loop
}

// Remove drops a queued candidate by question ID.
func (qp *QuestionPool) Remove(questionID string) {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	if _, ok := qp.loops[questionID]; !ok {
		return
	}
	delete(qp.loops, questionID)
	for i, id := range qp.queue {
		if id == questionID {
			qp.queue = append(qp.queue[:i], qp.queue[i+1:]...)
			break
		}
	}
}

// Size returns the number of queued candidates.
func (qp *QuestionPool) Size() int {
	qp.mu.RLock()
	defer qp.mu.RUnlock()
	return len(qp.queue)
}

// IsEmpty reports whether the pool has no queued candidates.
func (qp *QuestionPool) IsEmpty() bool {
	return qp.Size() == 0
}

// All returns the queued loops in queue order.
func (qp *QuestionPool) All() []*EvaluationLoop {
	qp.mu.RLock()
	defer qp.mu.RUnlock()

	loops := make([]*EvaluationLoop, 0, len(qp.queue))
	for _, id := range qp.queue {
		if loop, ok := qp.loops[id]; ok {
			loops = append(loops, loop)
		}
	}
	return loops
}
