// Package memory provides in-memory store implementations. Used by tests
// and single-node development; production deployments use store/postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/store"
)

// New returns a Stores bundle backed entirely by process memory.
func New() *store.Stores {
	return &store.Stores{
		Resources:  NewResourceStore(),
		Executions: NewExecutionStore(),
		Chats:      NewChatStore(),
		Approvals:  NewApprovalStore(),
		State:      NewStateStore(),
	}
}

// ResourceStore is an in-memory store.ResourceStore.
type ResourceStore struct {
	mu        sync.RWMutex
	agents    map[string]*models.Agent
	functions map[string]*models.Function
	skills    map[string]*models.Skill
}

// NewResourceStore creates an empty resource store.
func NewResourceStore() *ResourceStore {
	return &ResourceStore{
		agents:    make(map[string]*models.Agent),
		functions: make(map[string]*models.Function),
		skills:    make(map[string]*models.Skill),
	}
}

func key(namespace, name string) string { return namespace + "/" + name }

func (s *ResourceStore) GetAgent(_ context.Context, namespace, name string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[key(namespace, name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *ResourceStore) GetFunction(_ context.Context, namespace, name string) (*models.Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.functions[key(namespace, name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *ResourceStore) GetSkill(_ context.Context, namespace, name string) (*models.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sk, ok := s.skills[key(namespace, name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sk
	return &cp, nil
}

func (s *ResourceStore) PutAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *agent
	s.agents[key(agent.Namespace, agent.Name)] = &cp
	return nil
}

func (s *ResourceStore) PutFunction(_ context.Context, fn *models.Function) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *fn
	s.functions[key(fn.Namespace, fn.Name)] = &cp
	return nil
}

func (s *ResourceStore) PutSkill(_ context.Context, skill *models.Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *skill
	s.skills[key(skill.Namespace, skill.Name)] = &cp
	return nil
}

// ExecutionStore is an in-memory store.ExecutionStore.
type ExecutionStore struct {
	mu      sync.RWMutex
	records map[string]*models.ExecutionRecord
}

// NewExecutionStore creates an empty execution store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{records: make(map[string]*models.ExecutionRecord)}
}

func (s *ExecutionStore) Create(_ context.Context, rec *models.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ExecutionID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.records[rec.ExecutionID] = &cp
	return nil
}

func (s *ExecutionStore) Get(_ context.Context, executionID string) (*models.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[executionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *ExecutionStore) Update(_ context.Context, rec *models.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[rec.ExecutionID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Status != rec.Status && !existing.Status.CanTransitionTo(rec.Status) {
		return store.ErrInvalidTransition
	}
	cp := *rec
	s.records[rec.ExecutionID] = &cp
	return nil
}

func (s *ExecutionStore) ListAwaitingInput(_ context.Context, userID, chatID string) ([]*models.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ExecutionRecord
	for _, rec := range s.records {
		if rec.Status == models.ExecutionStatusAwaitingInput &&
			rec.UserID == userID && rec.ChatID == chatID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *ExecutionStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.records {
		if rec.Status.Terminal() && rec.CreatedAt.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// ChatStore is an in-memory store.ChatStore.
type ChatStore struct {
	mu       sync.RWMutex
	chats    map[string]*models.Chat
	messages map[string][]*models.Message
}

// NewChatStore creates an empty chat store.
func NewChatStore() *ChatStore {
	return &ChatStore{
		chats:    make(map[string]*models.Chat),
		messages: make(map[string][]*models.Message),
	}
}

func (s *ChatStore) CreateChat(_ context.Context, chat *models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chat.ChatID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *chat
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.chats[chat.ChatID] = &cp
	return nil
}

func (s *ChatStore) GetChat(_ context.Context, chatID string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *ChatStore) AppendMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[msg.ChatID]; !ok {
		return store.ErrNotFound
	}
	cp := *msg
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], &cp)
	return nil
}

func (s *ChatStore) ListMessages(_ context.Context, chatID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[chatID]
	out := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ApprovalStore is an in-memory store.ApprovalStore.
type ApprovalStore struct {
	mu        sync.RWMutex
	approvals map[string]*models.PendingApproval
	byCallID  map[string]string
}

// NewApprovalStore creates an empty approval store.
func NewApprovalStore() *ApprovalStore {
	return &ApprovalStore{
		approvals: make(map[string]*models.PendingApproval),
		byCallID:  make(map[string]string),
	}
}

func (s *ApprovalStore) Create(_ context.Context, approval *models.PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[approval.ApprovalID]; ok {
		return store.ErrAlreadyExists
	}
	if _, ok := s.byCallID[approval.ToolCallID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *approval
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.approvals[approval.ApprovalID] = &cp
	s.byCallID[approval.ToolCallID] = approval.ApprovalID
	return nil
}

func (s *ApprovalStore) Get(_ context.Context, approvalID string) (*models.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *ApprovalStore) Decide(_ context.Context, approvalID string, decision models.ApprovalDecision) (*models.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if a.Decided() {
		return nil, store.ErrAlreadyDecided
	}
	now := time.Now()
	a.Decision = decision
	a.DecidedAt = &now
	cp := *a
	return &cp, nil
}

func (s *ApprovalStore) DeleteDecidedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, a := range s.approvals {
		if a.Decided() && a.DecidedAt != nil && a.DecidedAt.Before(cutoff) {
			delete(s.byCallID, a.ToolCallID)
			delete(s.approvals, id)
			removed++
		}
	}
	return removed, nil
}

// StateStore is an in-memory store.StateStore.
type StateStore struct {
	mu      sync.RWMutex
	records map[string]*models.StateRecord
}

// NewStateStore creates an empty state store.
func NewStateStore() *StateStore {
	return &StateStore{records: make(map[string]*models.StateRecord)}
}

func stateKey(userID, namespace, key string) string {
	return userID + "\x00" + namespace + "\x00" + key
}

func (s *StateStore) Get(_ context.Context, userID, namespace, key string) (*models.StateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[stateKey(userID, namespace, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *StateStore) Set(_ context.Context, rec *models.StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.UpdatedAt = time.Now()
	s.records[stateKey(rec.UserID, rec.Namespace, rec.Key)] = &cp
	return nil
}

func (s *StateStore) Delete(_ context.Context, userID, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := stateKey(userID, namespace, key)
	if _, ok := s.records[k]; !ok {
		return store.ErrNotFound
	}
	delete(s.records, k)
	return nil
}

func (s *StateStore) List(_ context.Context, userID, namespace string) ([]*models.StateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.StateRecord
	for _, rec := range s.records {
		if rec.UserID == userID && rec.Namespace == namespace {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
