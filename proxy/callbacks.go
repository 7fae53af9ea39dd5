package proxy

import (
	"sync"
)

type callbackEntry struct {
	receiver Receiver
	method   string
}

// CallbackTable routes inbound messages to the Receiver registered for a
// worker id. Bridges register the receiver handed to initWorker and call
// Dispatch whenever the worker produces a message.
type CallbackTable struct {
	mu      sync.RWMutex
	entries map[int64]callbackEntry
}

// NewCallbackTable returns an empty table.
func NewCallbackTable() *CallbackTable {
	return &CallbackTable{entries: make(map[int64]callbackEntry)}
}

// Register binds id to receiver. method is the name passed to
// Receiver.Invoke; empty means CallbackOnMessage.
func (t *CallbackTable) Register(id int64, receiver Receiver, method string) error {
	if method == "" {
		method = CallbackOnMessage
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return &Error{Kind: KindTransport, WorkerID: id, Phase: PhaseCallback, Detail: ErrCallbackTaken.Detail}
	}
	t.entries[id] = callbackEntry{receiver: receiver, method: method}
	return nil
}

// Unregister removes the receiver of id, if any.
func (t *CallbackTable) Unregister(id int64) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// Dispatch delivers text to the receiver registered for id.
func (t *CallbackTable) Dispatch(id int64, text string) error {
	t.mu.RLock()
	entry, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return &Error{
			Kind:     KindTransport,
			WorkerID: id,
			Phase:    PhaseCallback,
			Detail:   ErrUnknownWorker.Detail,
			Op:       "dispatch",
		}
	}
	return entry.receiver.Invoke(entry.method, text)
}

// Len returns the number of registered receivers.
func (t *CallbackTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
