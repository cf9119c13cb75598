package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"atlasProtocol/internal/model"
)

// JsonlStorage appends outcomes to a JSONL file, one record per line.
type JsonlStorage struct {
	path string
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewJsonlStorage(path string) *JsonlStorage {
	return &JsonlStorage{path: path}
}

// PutOutcome appends one outcome as a JSON line.
func (s *JsonlStorage) PutOutcome(_ context.Context, outcome model.UpdateOutcome) error {
	if err := s.putLines([]model.UpdateOutcome{outcome}); err != nil {
		return err
	}
	s.mu.Lock()
	if s.keys != nil {
		s.keys[outcomeKey(outcome.SaleTxHash, outcome.SaleLogIndex)] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

// IsProcessed reports whether the file already holds an outcome for the sale.
// The file is scanned once; later lookups use the in-memory index.
func (s *JsonlStorage) IsProcessed(_ context.Context, saleTxHash string, logIndex uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keys == nil {
		keys, err := s.loadKeys()
		if err != nil {
			return false, err
		}
		s.keys = keys
	}
	_, ok := s.keys[outcomeKey(saleTxHash, logIndex)]
	return ok, nil
}

func (s *JsonlStorage) loadKeys() (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return keys, nil
		}
		return nil, fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record struct {
			SaleTxHash   string `json:"sale_tx_hash"`
			SaleLogIndex uint64 `json:"sale_log_index"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		keys[outcomeKey(record.SaleTxHash, record.SaleLogIndex)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan output file: %w", err)
	}
	return keys, nil
}

func outcomeKey(txHash string, logIndex uint64) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(txHash), logIndex)
}

func (s *JsonlStorage) putLines(outcomes []model.UpdateOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, record := range outcomes {
		line, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write outcome: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	return nil
}
