package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ocx/agentkernel/internal/kerr"
)

// FileStore persists each agent's checkpoint history as newline
// delimited JSON in "<agentID>.ckpt" under Dir. Every write rewrites
// the whole file to a temp path and renames it into place, so readers
// never observe a partial write.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates (if needed) dir and returns a FileStore rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kerr.Wrap(kerr.Internal, "create checkpoint directory", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(agentID string) string {
	return filepath.Join(f.dir, agentID+".ckpt")
}

func (f *FileStore) readAll(agentID string) ([]Checkpoint, error) {
	file, err := os.Open(f.path(agentID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, kerr.Wrap(kerr.Internal, "open checkpoint file", err)
	}
	defer file.Close()

	var out []Checkpoint
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(line, &cp); err != nil {
			return nil, kerr.Wrap(kerr.Corrupt, "decode checkpoint record", err)
		}
		out = append(out, cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, kerr.Wrap(kerr.Internal, "scan checkpoint file", err)
	}
	return out, nil
}

func (f *FileStore) writeAll(agentID string, records []Checkpoint) error {
	tmp, err := os.CreateTemp(f.dir, agentID+".ckpt.tmp-*")
	if err != nil {
		return kerr.Wrap(kerr.Internal, "create temp checkpoint file", err)
	}
	tmpPath := tmp.Name()

	writer := bufio.NewWriter(tmp)
	for _, cp := range records {
		line, err := json.Marshal(cp)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return kerr.Wrap(kerr.Internal, "encode checkpoint record", err)
		}
		if _, err := writer.Write(line); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return kerr.Wrap(kerr.Internal, "write checkpoint record", err)
		}
		if _, err := writer.WriteString("\n"); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return kerr.Wrap(kerr.Internal, "write checkpoint record", err)
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return kerr.Wrap(kerr.Internal, "flush checkpoint file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return kerr.Wrap(kerr.Internal, "close temp checkpoint file", err)
	}
	if err := os.Rename(tmpPath, f.path(agentID)); err != nil {
		os.Remove(tmpPath)
		return kerr.Wrap(kerr.Internal, "rename checkpoint file into place", err)
	}
	return nil
}

// Save implements Store.
func (f *FileStore) Save(_ context.Context, cp Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := f.readAll(cp.AgentID)
	if err != nil {
		return err
	}
	existing = append(existing, cp)
	return f.writeAll(cp.AgentID, existing)
}

// Latest implements Store.
func (f *FileStore) Latest(_ context.Context, agentID string) (Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.readAll(agentID)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(records) == 0 {
		return Checkpoint{}, kerr.New(kerr.NotFound, fmt.Sprintf("no checkpoint for agent %s", agentID))
	}
	return records[len(records)-1], nil
}

// History implements Store.
func (f *FileStore) History(_ context.Context, agentID string) ([]Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAll(agentID)
}

// Delete implements Store.
func (f *FileStore) Delete(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(agentID)); err != nil && !os.IsNotExist(err) {
		return kerr.Wrap(kerr.Internal, "delete checkpoint file", err)
	}
	return nil
}

// ListAgentIDs implements Store.
func (f *FileStore) ListAgentIDs(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, kerr.Wrap(kerr.Internal, "list checkpoint directory", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if name := e.Name(); strings.HasSuffix(name, ".ckpt") {
			out = append(out, strings.TrimSuffix(name, ".ckpt"))
		}
	}
	return out, nil
}
