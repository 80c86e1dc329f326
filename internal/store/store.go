package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"kp-monitor/internal/core"
	"kp-monitor/internal/handoff"
)

// IntentEntry is one line of the intent ledger.
type IntentEntry struct {
	IntentID   string    `json:"intent_id"`
	ReservedAt time.Time `json:"reserved_at"`
}

type LegRecord struct {
	Leg      core.Leg   `json:"leg"`
	Venue    core.Venue `json:"venue"`
	Symbol   string     `json:"symbol"`
	Side     core.Side  `json:"side"`
	Type     string     `json:"type"`
	Price    string     `json:"price,omitempty"`
	Qty      string     `json:"qty"`
	ClientID string     `json:"client_id,omitempty"`
	OrderID  string     `json:"order_id,omitempty"`
	Skipped  bool       `json:"skipped,omitempty"`
	Error    string     `json:"error,omitempty"`
}

type DispatchRecord struct {
	IntentID string      `json:"intent_id"`
	Action   core.Action `json:"action"`
	Symbol   string      `json:"symbol"`
	Amount   string      `json:"amount"`
	Legs     []LegRecord `json:"legs"`
	AllOK    bool        `json:"all_ok"`
	At       time.Time   `json:"at"`
}

// Store keeps file state under one directory: the latest snapshot per symbol,
// the intent ledger and a daily dispatch journal.
type Store struct {
	root          string
	mu            sync.Mutex
	ledgerLoaded  bool
	ledger        map[string]struct{}
	ledgerEntries []IntentEntry
}

var (
	ledgerMaxEntries    = 10000
	ledgerTrimToEntries = 8000
)

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(filepath.Join(root, "snapshots"), 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) Publish(_ context.Context, r handoff.Record) error {
	if !core.IsValidSymbol(r.Symbol) {
		return fmt.Errorf("publish snapshot: invalid symbol %q", r.Symbol)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.snapshotPath(r.Symbol), r)
}

func (s *Store) Latest(_ context.Context, symbol string) (handoff.Record, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !core.IsValidSymbol(symbol) {
		return handoff.Record{}, fmt.Errorf("invalid symbol %q", symbol)
	}
	data, err := os.ReadFile(s.snapshotPath(symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return handoff.Record{}, fmt.Errorf("%w: %s", handoff.ErrNoSnapshot, symbol)
		}
		return handoff.Record{}, err
	}
	return handoff.Decode(bytes.TrimSpace(data))
}

// Reserve records intentID in the ledger. A second reservation of the same id
// returns core.ErrDuplicateIntent.
func (s *Store) Reserve(_ context.Context, intentID string) error {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return errors.New("intent id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLedgerLocked(); err != nil {
		return err
	}
	if _, ok := s.ledger[intentID]; ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicateIntent, intentID)
	}

	entry := IntentEntry{IntentID: intentID, ReservedAt: time.Now().UTC()}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := appendLine(s.ledgerPath(), line); err != nil {
		return err
	}
	s.ledger[intentID] = struct{}{}
	s.ledgerEntries = append(s.ledgerEntries, entry)
	if len(s.ledgerEntries) > ledgerMaxEntries {
		return s.trimLedgerLocked()
	}
	return nil
}

func (s *Store) AppendDispatch(rec DispatchRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "dispatches")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return appendLine(filepath.Join(dir, rec.At.UTC().Format("2006-01-02")+".jsonl"), data)
}

// NewDispatchRecord flattens a report for the journal.
func NewDispatchRecord(intent core.OrderIntent, report core.DispatchReport) DispatchRecord {
	rec := DispatchRecord{
		IntentID: intent.ID,
		Action:   intent.Action,
		Symbol:   intent.Symbol,
		Amount:   intent.Amount.String(),
		AllOK:    report.AllOK(),
		At:       report.At,
	}
	for _, leg := range report.Legs {
		lr := LegRecord{
			Leg:      leg.Leg,
			Venue:    leg.Venue,
			Symbol:   leg.Request.Symbol,
			Side:     leg.Request.Side,
			Type:     string(leg.Request.Type),
			Qty:      leg.Request.Qty.String(),
			ClientID: leg.Request.ClientID,
			OrderID:  leg.Order.ID,
			Skipped:  leg.Skipped,
		}
		if leg.Request.Type == core.Limit {
			lr.Price = leg.Request.Price.String()
		}
		if leg.Err != nil {
			lr.Error = leg.Err.Error()
		}
		rec.Legs = append(rec.Legs, lr)
	}
	return rec
}

func (s *Store) trimLedgerLocked() error {
	keep := ledgerTrimToEntries
	if keep > len(s.ledgerEntries) {
		keep = len(s.ledgerEntries)
	}
	kept := append([]IntentEntry(nil), s.ledgerEntries[len(s.ledgerEntries)-keep:]...)
	if err := writeJSONLinesAtomic(s.ledgerPath(), kept); err != nil {
		return err
	}
	s.ledgerEntries = kept
	s.ledger = make(map[string]struct{}, len(kept))
	for _, entry := range kept {
		s.ledger[entry.IntentID] = struct{}{}
	}
	return nil
}

func (s *Store) loadLedgerLocked() error {
	if s.ledgerLoaded {
		return nil
	}
	s.ledger = make(map[string]struct{})
	s.ledgerEntries = make([]IntentEntry, 0)
	f, err := os.Open(s.ledgerPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.ledgerLoaded = true
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry IntentEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			log.Printf("level=WARN event=intent_ledger_line_skipped reason=%q", err.Error())
			continue
		}
		entry.IntentID = strings.TrimSpace(entry.IntentID)
		if entry.IntentID == "" {
			continue
		}
		if _, ok := s.ledger[entry.IntentID]; ok {
			continue
		}
		s.ledger[entry.IntentID] = struct{}{}
		s.ledgerEntries = append(s.ledgerEntries, entry)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	s.ledgerLoaded = true
	return nil
}

func (s *Store) snapshotPath(symbol string) string {
	return filepath.Join(s.root, "snapshots", symbol+".json")
}

func (s *Store) ledgerPath() string {
	return filepath.Join(s.root, "intent_ledger.jsonl")
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	if err := json.NewEncoder(tmp).Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	return commitTemp(tmp, dir, path)
}

func writeJSONLinesAtomic(path string, entries []IntentEntry) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return err
		}
	}
	return commitTemp(tmp, dir, path)
}

func commitTemp(tmp *os.File, dir, path string) error {
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	fsyncDirBestEffort(dir, path)
	return nil
}

func fsyncDirBestEffort(dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		log.Printf("level=WARN event=store_dir_fsync_skipped reason=%q dir=%q target=%q", err.Error(), dir, path)
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Printf("level=WARN event=store_dir_fsync_failed reason=%q dir=%q target=%q", err.Error(), dir, path)
	}
}
