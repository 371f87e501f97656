package settlement

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Journal persists settlement events as they are recorded, one JSON object
// per line, so the external custody ledger can replay them after a crash.
type Journal interface {
	Append(ev Event)
}

type NopJournal struct{}

func NewNopJournal() *NopJournal { return &NopJournal{} }

func (w *NopJournal) Append(_ Event) {}

type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (w *FileJournal) Append(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.f, string(data))
}

func (w *FileJournal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
