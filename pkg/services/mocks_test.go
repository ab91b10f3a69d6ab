package services

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

// Test encryption key (32 bytes, base64 encoded) - same as crypto/credentials_test.go
const testEncryptionKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM="

// memStore backs the in-memory repositories used by service tests.
type memStore struct {
	mu          sync.Mutex
	projects    map[uuid.UUID]*models.Project
	roles       map[uuid.UUID]map[uuid.UUID]models.Role // team -> user -> role
	connections map[uuid.UUID]*models.Connection
	credentials map[uuid.UUID]*models.Credential
	held        []uuid.UUID

	// Failure injection
	updateConnErr error
}

func newMemStore() *memStore {
	return &memStore{
		projects:    map[uuid.UUID]*models.Project{},
		roles:       map[uuid.UUID]map[uuid.UUID]models.Role{},
		connections: map[uuid.UUID]*models.Connection{},
		credentials: map[uuid.UUID]*models.Credential{},
	}
}

// addProject creates a team owned by nobody in particular plus a project.
func (s *memStore) addProject() *models.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &models.Project{ID: uuid.New(), TeamID: uuid.New(), Name: "project"}
	s.projects[p.ID] = p
	s.roles[p.TeamID] = map[uuid.UUID]models.Role{}
	return p
}

func (s *memStore) addMember(p *models.Project, role models.Role) models.Actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	actor := models.Actor{UserID: uuid.New(), Email: string(role) + "@example.com"}
	s.roles[p.TeamID][actor.UserID] = role
	return actor
}

func (s *memStore) addConnection(conn *models.Connection) *models.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	cp := *conn
	s.connections[conn.ID] = &cp
	return conn
}

func (s *memStore) connection(id uuid.UUID) *models.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (s *memStore) credentialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.credentials)
}

func (s *memStore) hasCredential(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.credentials[id]
	return ok
}

type memProjects struct{ s *memStore }

func (r memProjects) Create(ctx context.Context, p *models.Project) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p.ID = uuid.New()
	r.s.projects[p.ID] = p
	return nil
}

func (r memProjects) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.projects[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return p, nil
}

func (r memProjects) Delete(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.projects, id)
	return nil
}

type memTeams struct{ s *memStore }

func (r memTeams) Create(ctx context.Context, team *models.Team, ownerID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	team.ID = uuid.New()
	r.s.roles[team.ID] = map[uuid.UUID]models.Role{ownerID: models.RoleOwner}
	return nil
}

func (r memTeams) AddMember(ctx context.Context, teamID, userID uuid.UUID, role models.Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.roles[teamID][userID] = role
	return nil
}

func (r memTeams) GetRole(ctx context.Context, teamID, userID uuid.UUID) (models.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[teamID][userID]
	if !ok {
		return "", apperrors.ErrNotFound
	}
	return role, nil
}

type memConnections struct{ s *memStore }

func (r memConnections) Create(ctx context.Context, conn *models.Connection) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.projects[conn.ProjectID]; !ok {
		return apperrors.ErrNotFound
	}
	conn.ID = uuid.New()
	conn.CreatedAt = time.Now()
	conn.UpdatedAt = conn.CreatedAt
	cp := *conn
	r.s.connections[conn.ID] = &cp
	return nil
}

func (r memConnections) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	if c := r.s.connection(id); c != nil {
		return c, nil
	}
	return nil, apperrors.ErrNotFound
}

func (r memConnections) FindByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Connection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Connection
	for _, c := range r.s.connections {
		if c.ProjectID == projectID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r memConnections) List(ctx context.Context) ([]*models.Connection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*models.Connection, 0, len(r.s.connections))
	for _, c := range r.s.connections {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (r memConnections) Update(ctx context.Context, conn *models.Connection) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.updateConnErr != nil {
		return r.s.updateConnErr
	}
	if _, ok := r.s.connections[conn.ID]; !ok {
		return apperrors.ErrNotFound
	}
	conn.UpdatedAt = time.Now()
	cp := *conn
	r.s.connections[conn.ID] = &cp
	return nil
}

func (r memConnections) Delete(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.connections[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(r.s.connections, id)
	return nil
}

type memCredentials struct{ s *memStore }

func (r memCredentials) Create(ctx context.Context, cred *models.Credential) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *cred
	r.s.credentials[cred.ID] = &cp
	return nil
}

func (r memCredentials) GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.credentials[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r memCredentials) UpdateSecret(ctx context.Context, id uuid.UUID, encryptedSecret string, expiresAt *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.credentials[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	c.EncryptedSecret = encryptedSecret
	c.ExpiresAt = expiresAt
	return nil
}

func (r memCredentials) LockForRelease(ctx context.Context, ids []uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.held = append(r.s.held, ids...)
	return nil
}

func (r memCredentials) DeleteIfUnreferenced(ctx context.Context, id uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.credentials[id]; !ok {
		return false, nil
	}
	for _, c := range r.s.connections {
		if slices.Contains(c.CredentialIDs(), id) {
			return false, nil
		}
	}
	delete(r.s.credentials, id)
	return true, nil
}

// fakeTx runs fn directly; the in-memory store has no rollback.
type fakeTx struct{ calls int }

func (t *fakeTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.calls++
	return fn(ctx)
}

// recordingEvicter remembers evicted connection IDs.
type recordingEvicter struct {
	mu      sync.Mutex
	evicted []uuid.UUID
}

func (e *recordingEvicter) Evict(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = append(e.evicted, id)
}
