// Package installer implements the candidate/installer lifecycle: a
// discovered artifact moves pending -> installed, pending -> pending
// (rejected, 1h cooldown), or pending -> blocked (third reject, terminal),
// recorded as an append-only, hash-chained event journal.
//
// Grounded in the state-enum + injectable-clock file persistence of
// _examples/Mindburn-Labs-helm/core/pkg/store/ledger/file_ledger.go and the
// hash-chained receipt idiom of pkg/trust/install_receipt.go
// (RecordInstall's ContentHash/PrevReceiptID chain), generalized from
// "pack install receipt" to "candidate lifecycle event". A candidate's
// identity is (pack_id, artifact_path, sha256(artifact)): a re-discovery
// at the same artifact content merges into the existing pending candidate
// (just updating its version string), while a discovery whose hash
// differs is always a distinct candidate, never a silent supersession.
// Masterminds/semver still validates the version string's shape.
package installer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/rumi-ai/rumi-core/pkg/rumierr"
)

// State is a candidate's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateInstalled State = "installed"
	StateBlocked   State = "blocked"
)

// MaxRejects is the number of rejections after which a candidate becomes
// permanently blocked.
const MaxRejects = 3

// RejectCooldown is how long a rejected-but-not-blocked candidate must wait
// before it can be reconsidered.
const RejectCooldown = time.Hour

// Candidate is one discovered artifact under lifecycle management.
type Candidate struct {
	ID             string    `json:"id"`
	PackID         string    `json:"pack_id"`
	ArtifactRef    string    `json:"artifact_ref"`    // path or identifier, not version
	Version        string    `json:"version"`         // semver
	ArtifactSHA256 string    `json:"artifact_sha256"` // sha256(artifact), part of the candidate's identity
	State          State     `json:"state"`
	RejectCount int       `json:"reject_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// Event is one append-only journal entry, hash-chained to its predecessor.
type Event struct {
	EventID     string    `json:"event_id"`
	CandidateID string    `json:"candidate_id"`
	Kind        string    `json:"kind"` // discovered, installed, rejected, blocked, unblocked
	OccurredAt  time.Time `json:"occurred_at"`
	PrevHash    string    `json:"prev_hash,omitempty"`
	ContentHash string    `json:"content_hash"`
}

// Registry manages candidates and their journal, file-backed.
type Registry struct {
	mu         sync.Mutex
	path       string
	journalPath string
	clock      func() time.Time
	candidates map[string]Candidate
	lastHash   string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// Open loads (or initializes empty) the candidate index and journal at
// indexPath/journalPath.
func Open(indexPath, journalPath string, opts ...Option) (*Registry, error) {
	r := &Registry{
		path:        indexPath,
		journalPath: journalPath,
		clock:       time.Now,
		candidates:  map[string]Candidate{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.loadIndex(); err != nil {
		return nil, err
	}
	if err := r.loadJournalTail(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadIndex() error {
	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("installer: read index: %w", err)
	}
	return json.Unmarshal(raw, &r.candidates)
}

func (r *Registry) loadJournalTail() error {
	f, err := os.Open(r.journalPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("installer: open journal: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for dec.More() {
		var e Event
		if err := dec.Decode(&e); err != nil {
			return fmt.Errorf("installer: decode journal entry: %w", err)
		}
		r.lastHash = e.ContentHash
	}
	return nil
}

func (r *Registry) saveIndex() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("installer: mkdir: %w", err)
	}
	raw, err := json.MarshalIndent(r.candidates, "", "  ")
	if err != nil {
		return fmt.Errorf("installer: marshal index: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("installer: write index: %w", err)
	}
	return os.Rename(tmp, r.path)
}

func (r *Registry) appendEvent(candidateID, kind string) error {
	hashInput := struct {
		CandidateID string `json:"candidate_id"`
		Kind        string `json:"kind"`
		Prev        string `json:"prev"`
	}{candidateID, kind, r.lastHash}
	raw, _ := json.Marshal(hashInput)
	sum := sha256.Sum256(raw)
	contentHash := "sha256:" + hex.EncodeToString(sum[:])

	event := Event{
		EventID:     uuid.New().String(),
		CandidateID: candidateID,
		Kind:        kind,
		OccurredAt:  r.clock(),
		PrevHash:    r.lastHash,
		ContentHash: contentHash,
	}

	f, err := os.OpenFile(r.journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("installer: open journal for append: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("installer: marshal event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("installer: append event: %w", err)
	}

	r.lastHash = contentHash
	return nil
}

// Discover registers a candidate for packID+artifactRef at version with
// the given artifact hash. A pending candidate already on record for the
// same (packID, artifactRef) with an identical artifactSHA256 is the same
// candidate rediscovered and is updated in place (version bump only, no
// new journal event); a pending candidate whose hash differs is a
// different candidate_key entirely and is left untouched, with a new,
// distinct Candidate created alongside it.
func (r *Registry) Discover(packID, artifactRef, version, artifactSHA256 string) (Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := semver.NewVersion(version); err != nil {
		return Candidate{}, fmt.Errorf("installer: invalid semver %q: %w", version, err)
	}

	for id, c := range r.candidates {
		if c.PackID != packID || c.ArtifactRef != artifactRef || c.State != StatePending {
			continue
		}
		if c.ArtifactSHA256 != artifactSHA256 {
			// Same pack_id+artifact_path but different content: a distinct
			// candidate_key. Leave this pending candidate alone and fall
			// through to create a new one.
			continue
		}
		c.Version = version
		c.UpdatedAt = r.clock()
		r.candidates[id] = c
		if err := r.saveIndex(); err != nil {
			return Candidate{}, err
		}
		return c, nil
	}

	now := r.clock()
	c := Candidate{
		ID:             uuid.New().String(),
		PackID:         packID,
		ArtifactRef:    artifactRef,
		Version:        version,
		ArtifactSHA256: artifactSHA256,
		State:          StatePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.candidates[c.ID] = c
	if err := r.saveIndex(); err != nil {
		return Candidate{}, err
	}
	if err := r.appendEvent(c.ID, "discovered"); err != nil {
		return Candidate{}, err
	}
	return c, nil
}

// Install transitions a pending candidate to installed.
func (r *Registry) Install(candidateID string) (Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.candidates[candidateID]
	if !ok {
		return Candidate{}, rumierr.New(rumierr.TypeNotFound, rumierr.CategoryPack, 1, "candidate not found")
	}
	if c.State == StateBlocked {
		return Candidate{}, rumierr.Wrap(rumierr.TypeBlocked, rumierr.CategoryPack, 3, "candidate is blocked; unblock is required before approval", rumierr.ErrBlocked)
	}
	if c.State != StatePending {
		return Candidate{}, rumierr.New(rumierr.TypeValidation, rumierr.CategoryPack, 2, fmt.Sprintf("candidate is %s, not pending", c.State))
	}

	c.State = StateInstalled
	c.UpdatedAt = r.clock()
	r.candidates[candidateID] = c
	if err := r.saveIndex(); err != nil {
		return Candidate{}, err
	}
	if err := r.appendEvent(candidateID, "installed"); err != nil {
		return Candidate{}, err
	}
	return c, nil
}

// Reject transitions a pending candidate: the first two rejects reset it to
// pending with a 1h cooldown; the third makes it permanently blocked.
func (r *Registry) Reject(candidateID string) (Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.candidates[candidateID]
	if !ok {
		return Candidate{}, rumierr.New(rumierr.TypeNotFound, rumierr.CategoryPack, 1, "candidate not found")
	}
	if c.State == StateBlocked {
		return Candidate{}, rumierr.Wrap(rumierr.TypeBlocked, rumierr.CategoryPack, 3, "candidate is already blocked", rumierr.ErrBlocked)
	}

	c.RejectCount++
	c.UpdatedAt = r.clock()

	kind := "rejected"
	if c.RejectCount >= MaxRejects {
		c.State = StateBlocked
		kind = "blocked"
	} else {
		c.State = StatePending
		c.CooldownUntil = r.clock().Add(RejectCooldown)
	}

	r.candidates[candidateID] = c
	if err := r.saveIndex(); err != nil {
		return Candidate{}, err
	}
	if err := r.appendEvent(candidateID, kind); err != nil {
		return Candidate{}, err
	}
	return c, nil
}

// Block forcibly transitions a candidate to blocked, regardless of its
// current reject count. One of the four externally-invokable transitions
// spec.md §4.7 names (approve, reject, block, unblock).
func (r *Registry) Block(candidateID string) (Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.candidates[candidateID]
	if !ok {
		return Candidate{}, rumierr.New(rumierr.TypeNotFound, rumierr.CategoryPack, 1, "candidate not found")
	}
	c.State = StateBlocked
	c.UpdatedAt = r.clock()
	r.candidates[candidateID] = c
	if err := r.saveIndex(); err != nil {
		return Candidate{}, err
	}
	if err := r.appendEvent(candidateID, "blocked"); err != nil {
		return Candidate{}, err
	}
	return c, nil
}

// Unblock is the only way out of the blocked terminal state: it resets
// reject_count and cooldown and returns the candidate to pending.
func (r *Registry) Unblock(candidateID string) (Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.candidates[candidateID]
	if !ok {
		return Candidate{}, rumierr.New(rumierr.TypeNotFound, rumierr.CategoryPack, 1, "candidate not found")
	}
	if c.State != StateBlocked {
		return Candidate{}, rumierr.New(rumierr.TypeValidation, rumierr.CategoryPack, 4, fmt.Sprintf("candidate is %s, not blocked", c.State))
	}
	c.State = StatePending
	c.RejectCount = 0
	c.CooldownUntil = time.Time{}
	c.UpdatedAt = r.clock()
	r.candidates[candidateID] = c
	if err := r.saveIndex(); err != nil {
		return Candidate{}, err
	}
	if err := r.appendEvent(candidateID, "unblocked"); err != nil {
		return Candidate{}, err
	}
	return c, nil
}

// Get returns the current state of a candidate.
func (r *Registry) Get(candidateID string) (Candidate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.candidates[candidateID]
	return c, ok
}

// InCooldown reports whether c is pending but still within its post-reject
// cooldown window.
func (c Candidate) InCooldown(now time.Time) bool {
	return c.State == StatePending && !c.CooldownUntil.IsZero() && now.Before(c.CooldownUntil)
}
