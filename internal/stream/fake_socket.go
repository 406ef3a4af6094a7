package stream

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// FakeSocket is an in-memory Socket for tests. Emitted texts are queued
// until a reader picks them up; Close drains the reader with io.EOF.
type FakeSocket struct {
	readCh    chan string
	closeOnce sync.Once

	mu     sync.Mutex
	writes []string
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{readCh: make(chan string, 32)}
}

func (f *FakeSocket) EmitText(text string) {
	f.readCh <- text
}

// EmitJSON marshals the document and queues it as one text frame.
func (f *FakeSocket) EmitJSON(doc map[string]any) {
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	f.EmitText(string(raw))
}

func (f *FakeSocket) ReadText(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case text, ok := <-f.readCh:
		if !ok {
			return "", io.EOF
		}
		return text, nil
	}
}

func (f *FakeSocket) WriteText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, text)
	return nil
}

// Writes returns everything written to the socket so far.
func (f *FakeSocket) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *FakeSocket) Close() error {
	f.closeOnce.Do(func() {
		close(f.readCh)
	})
	return nil
}
