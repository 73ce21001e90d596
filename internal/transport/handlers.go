package transport

import (
	"sync"

	"gridsync/internal/models"
)

// Detach removes a registered handler. Detaching stops future invocations;
// an invocation already in flight completes.
type Detach func()

type handlerSet struct {
	mu     sync.Mutex
	nextID int
	event  map[int]func(models.Envelope)
	batch  map[int]func([]models.Envelope)
	err    map[int]func(error)
	byType map[string]map[int]func(models.Envelope)
}

func (h *handlerSet) onEvent(fn func(models.Envelope)) Detach {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.event == nil {
		h.event = map[int]func(models.Envelope){}
	}
	id := h.nextID
	h.nextID++
	h.event[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.event, id)
		h.mu.Unlock()
	}
}

func (h *handlerSet) onBatch(fn func([]models.Envelope)) Detach {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.batch == nil {
		h.batch = map[int]func([]models.Envelope){}
	}
	id := h.nextID
	h.nextID++
	h.batch[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.batch, id)
		h.mu.Unlock()
	}
}

func (h *handlerSet) onError(fn func(error)) Detach {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = map[int]func(error){}
	}
	id := h.nextID
	h.nextID++
	h.err[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.err, id)
		h.mu.Unlock()
	}
}

func (h *handlerSet) onMessage(msgType string, fn func(models.Envelope)) Detach {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byType == nil {
		h.byType = map[string]map[int]func(models.Envelope){}
	}
	if h.byType[msgType] == nil {
		h.byType[msgType] = map[int]func(models.Envelope){}
	}
	id := h.nextID
	h.nextID++
	h.byType[msgType][id] = fn
	return func() {
		h.mu.Lock()
		delete(h.byType[msgType], id)
		h.mu.Unlock()
	}
}

func (h *handlerSet) emitEvent(env models.Envelope) {
	for _, fn := range h.snapshotEvent() {
		fn(env)
	}
}

func (h *handlerSet) emitBatch(events []models.Envelope) {
	h.mu.Lock()
	fns := make([]func([]models.Envelope), 0, len(h.batch))
	for _, fn := range h.batch {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(events)
	}
}

func (h *handlerSet) emitError(err error) {
	h.mu.Lock()
	fns := make([]func(error), 0, len(h.err))
	for _, fn := range h.err {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (h *handlerSet) emitMessage(msgType string, env models.Envelope) {
	h.mu.Lock()
	fns := make([]func(models.Envelope), 0, len(h.byType[msgType]))
	for _, fn := range h.byType[msgType] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (h *handlerSet) snapshotEvent() []func(models.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fns := make([]func(models.Envelope), 0, len(h.event))
	for _, fn := range h.event {
		fns = append(fns, fn)
	}
	return fns
}
