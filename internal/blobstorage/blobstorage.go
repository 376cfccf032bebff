// Package blobstorage keeps message bodies outside the database, addressed
// by the SHA-256 of their content.
package blobstorage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get for an unknown key.
var ErrNotFound = errors.New("blob not found")

// Config selects and configures the S3 store.
type Config struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	Endpoint     string `yaml:"endpoint" toml:"endpoint"`
	Region       string `yaml:"region" toml:"region"`
	Bucket       string `yaml:"bucket" toml:"bucket"`
	Prefix       string `yaml:"prefix" toml:"prefix"`
	AccessKey    string `yaml:"access_key" toml:"access_key"`
	SecretKey    string `yaml:"secret_key" toml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style" toml:"use_path_style"`
}

// Store is a content-addressed blob store. Putting the same content twice
// yields the same key.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Key returns the content address of data.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Memory is a Store held in process memory.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, data []byte) (string, error) {
	key := Key(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[key]; !ok {
		m.blobs[key] = append([]byte(nil), data...)
	}
	return key, nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "blob %s", key)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

// Len returns the number of distinct blobs held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
