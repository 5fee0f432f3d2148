package storage

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// FileStore persists all records in a single encrypted JSON file. The
// passphrase derives an Argon2id master key; the record map is sealed with
// XChaCha20-Poly1305. The store must be Initialized once and Unlocked on
// every start before it will serve reads or writes.
type FileStore struct {
	path      string
	mu        sync.RWMutex
	salt      []byte
	masterKey []byte
	records   map[string]json.RawMessage
}

const (
	fileStoreVersion = 1
	argonTime        = 1
	argonMemory      = 64 * 1024
	argonThreads     = 4
	argonKeyLength   = 32
	nonceSize        = chacha20poly1305.NonceSizeX
)

type storeFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// NewFileStore constructs a store backed by the provided file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:    path,
		records: make(map[string]json.RawMessage),
	}
}

// Path returns the backing file path (primarily for logging and tests).
func (f *FileStore) Path() string {
	return f.path
}

// Initialize creates the store file if it does not already exist.
func (f *FileStore) Initialize(ctx context.Context, passphrase string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if passphrase == "" {
		return fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}
	if _, err := os.Stat(f.path); err == nil {
		return ErrAlreadyExists
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create store directory: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	f.salt = salt
	zeroBytes(f.masterKey)
	f.masterKey = deriveMasterKey(passphrase, salt)
	f.records = make(map[string]json.RawMessage)

	if err := f.persist(); err != nil {
		return fmt.Errorf("persist store: %w", err)
	}
	return ctx.Err()
}

// Unlock loads the store file and derives the master key.
func (f *FileStore) Unlock(ctx context.Context, passphrase string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotInitialized
		}
		return fmt.Errorf("read store: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode store: %w", ErrCorrupt)
	}
	if file.Version != fileStoreVersion {
		return fmt.Errorf("unsupported store version %d", file.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", ErrCorrupt)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", ErrCorrupt)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", ErrCorrupt)
	}

	master := deriveMasterKey(passphrase, salt)
	records, err := openRecords(master, nonce, ciphertext)
	if err != nil {
		zeroBytes(master)
		return err
	}

	zeroBytes(f.masterKey)
	f.masterKey = master
	f.salt = salt
	f.records = records
	return ctx.Err()
}

// Load decodes the value at key into out.
func (f *FileStore) Load(ctx context.Context, key string, out any) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := f.ensureUnlocked(); err != nil {
		return err
	}
	raw, ok := f.records[key]
	if !ok {
		return keyError("load", key, ErrNotFound)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return keyError("decode", key, err)
	}
	return ctx.Err()
}

// Save encodes val, stores it under key, and rewrites the backing file.
func (f *FileStore) Save(ctx context.Context, key string, val any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureUnlocked(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("save: empty key")
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return keyError("encode", key, err)
	}
	f.records[key] = raw
	if err := f.persist(); err != nil {
		return keyError("persist", key, err)
	}
	return ctx.Err()
}

// Keys lists stored keys in lexical order.
func (f *FileStore) Keys(ctx context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := f.ensureUnlocked(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(f.records))
	for k := range f.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, ctx.Err()
}

// Reset drops every record and rewrites the backing file.
func (f *FileStore) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureUnlocked(); err != nil {
		return err
	}
	f.records = make(map[string]json.RawMessage)
	if err := f.persist(); err != nil {
		return fmt.Errorf("persist after reset: %w", err)
	}
	return ctx.Err()
}

func (f *FileStore) ensureUnlocked() error {
	if len(f.masterKey) == 0 || len(f.salt) == 0 {
		return ErrLocked
	}
	return nil
}

func (f *FileStore) persist() error {
	serialized, err := json.Marshal(f.records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}

	aead, err := chacha20poly1305.NewX(f.masterKey)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, serialized, nil)
	zeroBytes(serialized)

	payload := storeFile{
		Version:    fileStoreVersion,
		Salt:       base64.StdEncoding.EncodeToString(f.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	return os.WriteFile(f.path, encoded, 0o600)
}

func deriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

func openRecords(masterKey, nonce, ciphertext []byte) (map[string]json.RawMessage, error) {
	if len(ciphertext) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("invalid nonce size: %w", ErrInvalidPass)
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt records: %w", ErrInvalidPass)
	}
	defer zeroBytes(plaintext)

	var records map[string]json.RawMessage
	if err := json.Unmarshal(plaintext, &records); err != nil {
		return nil, fmt.Errorf("unmarshal records: %w", ErrCorrupt)
	}
	if records == nil {
		records = map[string]json.RawMessage{}
	}
	return records, nil
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
