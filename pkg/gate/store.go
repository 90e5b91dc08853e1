package gate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vfriday/skillet/pkg/fsx"
	"github.com/vfriday/skillet/pkg/state"
)

const (
	storeFileName = "approvals.json"

	// maxRecords bounds the approval history kept on disk; oldest
	// non-pending records are pruned first.
	maxRecords = 300
)

// Status of one approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
)

// Request is one persisted approval request.
type Request struct {
	ID          string     `json:"id"`
	Skill       string     `json:"skill"`
	Paths       []string   `json:"paths"`
	Fingerprint string     `json:"fingerprint"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
}

// Expired reports whether the request's TTL has lapsed at now.
func (r *Request) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store persists approval requests for one working tree.
type Store struct {
	path string
}

// NewStore returns the approval store for a working tree root.
func NewStore(root string) *Store {
	return &Store{path: filepath.Join(root, state.EngineDirName, storeFileName)}
}

type storeDocument struct {
	Requests []Request `json:"requests"`
}

// Ensure finds the live request matching fingerprint, or creates a pending
// one with the given TTL. Both pending and approved-but-unconsumed requests
// count as live: an approval granted to a transaction that later rolled
// back stays spendable until its TTL lapses, so the operator does not have
// to approve the same change twice. The bool result reports creation.
func (s *Store) Ensure(skill string, paths []string, fingerprint string, ttl time.Duration) (*Request, bool, error) {
	doc, err := s.load()
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	for i := range doc.Requests {
		r := &doc.Requests[i]
		if r.Fingerprint == fingerprint && !r.Expired(now) &&
			(r.Status == StatusPending || r.Status == StatusApproved) {
			req := *r
			return &req, false, nil
		}
	}

	req := Request{
		ID:          uuid.NewString(),
		Skill:       skill,
		Paths:       append([]string{}, paths...),
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	doc.Requests = append(doc.Requests, req)
	prune(doc, now)

	if err := s.save(doc); err != nil {
		return nil, false, err
	}
	return &req, true, nil
}

// Approve marks a pending request approved. Approving an expired request
// fails with ErrApprovalExpired.
func (s *Store) Approve(id string) (*Request, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for i := range doc.Requests {
		r := &doc.Requests[i]
		if r.ID != id {
			continue
		}
		if r.Expired(now) {
			r.Status = StatusExpired
			_ = s.save(doc)
			return nil, errors.Wrapf(ErrApprovalExpired, "request %s expired at %s", id, r.ExpiresAt.Format(time.RFC3339))
		}
		if r.Status != StatusPending {
			return nil, errors.Errorf("request %s is %s, not pending", id, r.Status)
		}
		r.Status = StatusApproved
		r.ApprovedAt = &now
		if err := s.save(doc); err != nil {
			return nil, err
		}
		req := *r
		return &req, nil
	}
	return nil, errors.Errorf("no approval request with id %s", id)
}

// Get returns a request by id.
func (s *Store) Get(id string) (*Request, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range doc.Requests {
		if doc.Requests[i].ID == id {
			req := doc.Requests[i]
			return &req, nil
		}
	}
	return nil, errors.Errorf("no approval request with id %s", id)
}

// List returns all persisted requests, oldest first.
func (s *Store) List() ([]Request, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Requests, nil
}

// Consume marks an approved request consumed so a token authorizes exactly
// one commit. The caller spends the token only once the commit has
// actually succeeded; a rollback leaves it approved. Consumed records are
// kept for audit, never deleted.
func (s *Store) Consume(id string) error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	for i := range doc.Requests {
		r := &doc.Requests[i]
		if r.ID == id {
			if r.Status != StatusApproved {
				return errors.Errorf("request %s is %s, not approved", id, r.Status)
			}
			r.Status = StatusConsumed
			return s.save(doc)
		}
	}
	return errors.Errorf("no approval request with id %s", id)
}

// Await blocks until the request is approved or its TTL expires. The token
// is not consumed here: the caller spends it with Consume after the gated
// work commits. Polling uses fixed-delay retries; context cancellation
// aborts the wait and is surfaced to the caller, who treats it like a
// failure.
func (s *Store) Await(ctx context.Context, id string, pollInterval time.Duration) error {
	return retry.Do(
		func() error {
			req, err := s.Get(id)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			switch req.Status {
			case StatusApproved:
				return nil
			case StatusPending:
				if req.Expired(time.Now().UTC()) {
					return retry.Unrecoverable(errors.Wrapf(ErrApprovalExpired,
						"request %s expired before approval", id))
				}
				return errors.Errorf("request %s still pending", id)
			default:
				return retry.Unrecoverable(errors.Errorf("request %s is %s", id, req.Status))
			}
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

func (s *Store) load() (*storeDocument, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &storeDocument{}, nil
		}
		return nil, errors.Wrap(err, "failed to read approval store")
	}
	var doc storeDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse approval store")
	}
	return &doc, nil
}

func (s *Store) save(doc *storeDocument) error {
	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal approval store")
	}
	return fsx.WriteFileAtomic(s.path, content, 0o644)
}

// prune expires lapsed pending requests and drops the oldest settled
// records once the store exceeds maxRecords.
func prune(doc *storeDocument, now time.Time) {
	for i := range doc.Requests {
		r := &doc.Requests[i]
		if r.Status == StatusPending && r.Expired(now) {
			r.Status = StatusExpired
		}
	}

	if len(doc.Requests) <= maxRecords {
		return
	}
	kept := make([]Request, 0, maxRecords)
	excess := len(doc.Requests) - maxRecords
	for _, r := range doc.Requests {
		if excess > 0 && r.Status != StatusPending {
			excess--
			continue
		}
		kept = append(kept, r)
	}
	doc.Requests = kept
}
