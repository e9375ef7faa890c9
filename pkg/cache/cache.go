// Package cache persists classification verdicts (verified tokens, honeypot
// tokens) to idempotent CSV files so a restart never re-probes work already
// done. Both files are single-writer, rewritten atomically each time a
// verdict is recorded.
package cache

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/solidquant/evm-simulation/pkg/log"
)

// TokenRecord mirrors one row of .cached-tokens.csv.
type TokenRecord struct {
	Address        common.Address
	Implementation common.Address // zero address if not a proxy
	Name           string
	Symbol         string
	Decimals       uint8
}

// Store holds the two idempotent CSV caches and serializes writes.
type Store struct {
	dir string
	mu  sync.Mutex

	tokens   map[common.Address]TokenRecord
	honeypot map[common.Address]bool

	log *log.Logger
}

const (
	tokensFile   = ".cached-tokens.csv"
	honeypotFile = ".cached-honeypot.csv"
)

// Load reads both CSV caches from dir (best-effort: absence means empty).
func Load(dir string) (*Store, error) {
	s := &Store{
		dir:      dir,
		tokens:   make(map[common.Address]TokenRecord),
		honeypot: make(map[common.Address]bool),
		log:      log.Default().Module("cache"),
	}

	if err := s.loadTokens(); err != nil {
		s.log.Warn("token cache unreadable, starting empty", "err", err)
		s.tokens = make(map[common.Address]TokenRecord)
	}
	if err := s.loadHoneypot(); err != nil {
		s.log.Warn("honeypot cache unreadable, starting empty", "err", err)
		s.honeypot = make(map[common.Address]bool)
	}
	return s, nil
}

func (s *Store) loadTokens() error {
	path := filepath.Join(s.dir, tokensFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("cache: parse %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil
	}
	for _, row := range rows[1:] { // skip header
		if len(row) != 5 {
			continue
		}
		decimals, err := strconv.ParseUint(row[4], 10, 8)
		if err != nil {
			continue
		}
		rec := TokenRecord{
			Address:  common.HexToAddress(row[0]),
			Name:     row[2],
			Symbol:   row[3],
			Decimals: uint8(decimals),
		}
		if row[1] != "" {
			rec.Implementation = common.HexToAddress(row[1])
		}
		s.tokens[rec.Address] = rec
	}
	return nil
}

func (s *Store) loadHoneypot() error {
	path := filepath.Join(s.dir, honeypotFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("cache: parse %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil
	}
	for _, row := range rows[1:] {
		if len(row) != 1 {
			continue
		}
		s.honeypot[common.HexToAddress(row[0])] = true
	}
	return nil
}

// IsVerified reports whether addr is already in the verified-token cache.
func (s *Store) IsVerified(addr common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[addr]
	return ok
}

// IsHoneypot reports whether addr is already in the honeypot cache.
func (s *Store) IsHoneypot(addr common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.honeypot[addr]
}

// RecordVerified adds rec to the verified-token set and rewrites the CSV.
func (s *Store) RecordVerified(rec TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[rec.Address] = rec
	return s.flushTokensLocked()
}

// RecordHoneypot adds addr to the honeypot set and rewrites the CSV.
func (s *Store) RecordHoneypot(addr common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.honeypot[addr] = true
	return s.flushHoneypotLocked()
}

func (s *Store) flushTokensLocked() error {
	path := filepath.Join(s.dir, tokensFile)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("cache: create %s: %w", tmp, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"address", "implementation", "name", "symbol", "decimals"}); err != nil {
		f.Close()
		return err
	}
	for _, rec := range s.tokens {
		impl := ""
		if rec.Implementation != (common.Address{}) {
			impl = rec.Implementation.Hex()
		}
		row := []string{rec.Address.Hex(), impl, rec.Name, rec.Symbol, strconv.FormatUint(uint64(rec.Decimals), 10)}
		if err := w.Write(row); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) flushHoneypotLocked() error {
	path := filepath.Join(s.dir, honeypotFile)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("cache: create %s: %w", tmp, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"address"}); err != nil {
		f.Close()
		return err
	}
	for addr := range s.honeypot {
		if err := w.Write([]string{addr.Hex()}); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
