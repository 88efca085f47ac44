package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zapdesk/zapdesk/internal/models"
)

// InMemoryStore implements Store with process-local maps. It backs tests and
// small single-process deployments that can tolerate losing history.
type InMemoryStore struct {
	mu sync.RWMutex

	flows         map[int64]models.Flow
	steps         map[int64]models.FlowStep
	conversations map[int64]models.Conversation
	messages      []models.Message
	submissions   []models.FormSubmission
	integrations  map[int64]models.Integration
	credentials   map[int64]models.DatabaseCredential
	users         map[int64]models.User

	nextID int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:         make(map[int64]models.Flow),
		steps:         make(map[int64]models.FlowStep),
		conversations: make(map[int64]models.Conversation),
		integrations:  make(map[int64]models.Integration),
		credentials:   make(map[int64]models.DatabaseCredential),
		users:         make(map[int64]models.User),
	}
}

func (s *InMemoryStore) nextIDLocked() int64 {
	s.nextID++
	return s.nextID
}

func (s *InMemoryStore) CreateFlow(f *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.flows {
		if existing.TargetAudience != f.TargetAudience {
			continue
		}
		if existing.TriggerKeyword == models.WildcardKeyword && f.TriggerKeyword == models.WildcardKeyword {
			return models.ErrDuplicateWildcard
		}
		if strings.EqualFold(existing.TriggerKeyword, f.TriggerKeyword) {
			return models.ErrDuplicateTrigger
		}
	}
	f.ID = s.nextIDLocked()
	f.CreatedAt = time.Now()
	f.UpdatedAt = f.CreatedAt
	s.flows[f.ID] = *f
	return nil
}

func (s *InMemoryStore) UpdateFlow(f *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[f.ID]; !ok {
		return ErrNotFound
	}
	for id, existing := range s.flows {
		if id == f.ID || existing.TargetAudience != f.TargetAudience {
			continue
		}
		if strings.EqualFold(existing.TriggerKeyword, f.TriggerKeyword) {
			if f.TriggerKeyword == models.WildcardKeyword {
				return models.ErrDuplicateWildcard
			}
			return models.ErrDuplicateTrigger
		}
	}
	f.UpdatedAt = time.Now()
	s.flows[f.ID] = *f
	return nil
}

func (s *InMemoryStore) DeleteFlow(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[id]; !ok {
		return ErrNotFound
	}
	delete(s.flows, id)
	for stepID, step := range s.steps {
		if step.FlowID == id {
			delete(s.steps, stepID)
		}
	}
	return nil
}

func (s *InMemoryStore) GetFlow(id int64) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (s *InMemoryStore) GetFlowByTrigger(keyword string, audience models.Audience) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.flows {
		if f.TargetAudience == audience && strings.EqualFold(f.TriggerKeyword, keyword) {
			flow := f
			return &flow, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListFlows() ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flows := make([]models.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		flows = append(flows, f)
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	return flows, nil
}

func (s *InMemoryStore) SaveStep(step *models.FlowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step.ID == 0 {
		step.ID = s.nextIDLocked()
	}
	for i := range step.PollOptions {
		if step.PollOptions[i].ID == 0 {
			step.PollOptions[i].ID = s.nextIDLocked()
		}
		step.PollOptions[i].StepID = step.ID
	}
	s.steps[step.ID] = *step
	return nil
}

func (s *InMemoryStore) DeleteStep(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[id]; !ok {
		return ErrNotFound
	}
	delete(s.steps, id)
	return nil
}

func (s *InMemoryStore) GetStep(id int64) (*models.FlowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &step, nil
}

func (s *InMemoryStore) ListSteps(flowID int64) ([]models.FlowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var steps []models.FlowStep
	for _, step := range s.steps {
		if step.FlowID == flowID {
			steps = append(steps, step)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].ID < steps[j].ID })
	return steps, nil
}

func (s *InMemoryStore) FindOrCreateConversation(address string) (*models.Conversation, error) {
	if address == "" {
		return nil, models.ErrEmptyConversationKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.Address == address {
			conv := c
			return &conv, nil
		}
	}
	now := time.Now()
	conv := models.Conversation{
		ID:        s.nextIDLocked(),
		Address:   address,
		Status:    models.ConversationStatusBot,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv
	return &conv, nil
}

func (s *InMemoryStore) GetConversation(id int64) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *InMemoryStore) GetConversationByAddress(address string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.Address == address {
			conv := c
			return &conv, nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) UpdateConversation(c *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = time.Now()
	s.conversations[c.ID] = *c
	return nil
}

func (s *InMemoryStore) ListConversations() ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conversations := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		conversations = append(conversations, c)
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
	return conversations, nil
}

func (s *InMemoryStore) AddMessage(m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.nextIDLocked()
	s.messages = append(s.messages, *m)
	return nil
}

func (s *InMemoryStore) ListMessages(conversationID int64) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var messages []models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			messages = append(messages, m)
		}
	}
	// Timestamp ascending; insertion order already breaks ties.
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].Timestamp < messages[j].Timestamp })
	return messages, nil
}

func (s *InMemoryStore) AddFormSubmission(fs *models.FormSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs.ID = s.nextIDLocked()
	if fs.SubmittedAt.IsZero() {
		fs.SubmittedAt = time.Now()
	}
	s.submissions = append(s.submissions, *fs)
	return nil
}

func (s *InMemoryStore) ListFormSubmissions(flowID int64) ([]models.FormSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var submissions []models.FormSubmission
	for _, fs := range s.submissions {
		if flowID == 0 || fs.FlowID == flowID {
			submissions = append(submissions, fs)
		}
	}
	return submissions, nil
}

func (s *InMemoryStore) SaveIntegration(i *models.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i.ID == 0 {
		i.ID = s.nextIDLocked()
	}
	s.integrations[i.ID] = *i
	return nil
}

func (s *InMemoryStore) DeleteIntegration(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.integrations[id]; !ok {
		return ErrNotFound
	}
	delete(s.integrations, id)
	return nil
}

func (s *InMemoryStore) ListIntegrations() ([]models.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	integrations := make([]models.Integration, 0, len(s.integrations))
	for _, i := range s.integrations {
		integrations = append(integrations, i)
	}
	sort.Slice(integrations, func(i, j int) bool { return integrations[i].ID < integrations[j].ID })
	return integrations, nil
}

func (s *InMemoryStore) GetWebhookIntegration() (*models.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, i := range s.integrations {
		if i.Type == models.IntegrationTypeWebhook {
			integration := i
			return &integration, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) SaveCredential(c *models.DatabaseCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.nextIDLocked()
	}
	s.credentials[c.ID] = *c
	return nil
}

func (s *InMemoryStore) DeleteCredential(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[id]; !ok {
		return ErrNotFound
	}
	delete(s.credentials, id)
	return nil
}

func (s *InMemoryStore) GetCredential(id int64) (*models.DatabaseCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *InMemoryStore) ListCredentials() ([]models.DatabaseCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	credentials := make([]models.DatabaseCredential, 0, len(s.credentials))
	for _, c := range s.credentials {
		credentials = append(credentials, c)
	}
	sort.Slice(credentials, func(i, j int) bool { return credentials[i].ID < credentials[j].ID })
	return credentials, nil
}

func (s *InMemoryStore) CreateUser(u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.ID = s.nextIDLocked()
	u.CreatedAt = time.Now()
	s.users[u.ID] = *u
	return nil
}

func (s *InMemoryStore) UpdateUser(u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return ErrNotFound
	}
	s.users[u.ID] = *u
	return nil
}

func (s *InMemoryStore) GetUser(id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *InMemoryStore) GetUserByEmail(email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			user := u
			return &user, nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) GetUserByAddress(address string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if address == "" {
		return nil, ErrNotFound
	}
	for _, u := range s.users {
		if u.Address == address {
			user := u
			return &user, nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) ListUsers() ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *InMemoryStore) CountAdmins() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, u := range s.users {
		if u.Role == models.RoleAdmin {
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
