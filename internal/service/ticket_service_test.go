package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/spec-kit/ticket-lifecycle/internal/assignment"
	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	"github.com/spec-kit/ticket-lifecycle/internal/repository/memory"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

var (
	admin   = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	tester  = domain.Actor{ID: "tester-1", Role: domain.RoleTester}
	tester2 = domain.Actor{ID: "tester-2", Role: domain.RoleTester}
	student = domain.Actor{ID: "student-1", Role: domain.RoleStudent}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeCache struct {
	mu    sync.Mutex
	items map[string]*domain.Ticket
}

func (c *fakeCache) Get(_ context.Context, id string) (*domain.Ticket, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.items[id]
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

func (c *fakeCache) Set(_ context.Context, ticket *domain.Ticket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.items[ticket.ID]; ok && cached.Version >= ticket.Version {
		return nil
	}
	c.items[ticket.ID] = ticket.Clone()
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	return nil
}

// racingStore lets another writer win the next `bumps` conditional updates.
type racingStore struct {
	*memory.Store
	mu       sync.Mutex
	bumps    int
	attempts int
}

func (r *racingStore) wrap(store *memory.Store) repository.TicketRepository {
	r.Store = store
	return r
}

func (r *racingStore) Update(ctx context.Context, ticket *domain.Ticket, expectedVersion int64, entries []domain.AuditLogEntry) error {
	r.mu.Lock()
	r.attempts++
	bump := r.bumps > 0
	if bump {
		r.bumps--
	}
	r.mu.Unlock()

	if bump {
		current, err := r.Store.GetByID(ctx, ticket.ID)
		if err != nil {
			return err
		}
		if err := r.Store.Update(ctx, current, current.Version, nil); err != nil {
			return err
		}
	}
	return r.Store.Update(ctx, ticket, expectedVersion, entries)
}

// hookStore runs afterRead once, right after the next GetByID returns.
type hookStore struct {
	*memory.Store
	mu        sync.Mutex
	afterRead func()
}

func (h *hookStore) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	ticket, err := h.Store.GetByID(ctx, id)
	h.mu.Lock()
	hook := h.afterRead
	h.afterRead = nil
	h.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ticket, err
}

type fixture struct {
	svc     *TicketService
	store   *memory.Store
	cache   *fakeCache
	metrics *observability.Metrics

	mu     sync.Mutex
	events []events.Event
}

func (f *fixture) eventTypes() []events.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

func newFixture(t *testing.T, cfg config.TicketConfig) *fixture {
	t.Helper()
	return newFixtureWithStore(t, cfg, nil)
}

func newFixtureWithStore(t *testing.T, cfg config.TicketConfig, wrap func(*memory.Store) repository.TicketRepository) *fixture {
	t.Helper()
	store := memory.NewStore()
	f := &fixture{
		store:   store,
		cache:   &fakeCache{items: map[string]*domain.Ticket{}},
		metrics: observability.NewMetrics(),
	}
	logger := zaptest.NewLogger(t)
	dispatcher := events.NewInMemoryDispatcher(logger)
	dispatcher.SubscribeAll(func(_ context.Context, e events.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
		return nil
	})

	deps := TicketDependencies{
		TicketRepo: store,
		AuditRepo:  store,
		Cache:      f.cache,
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    f.metrics,
		Config:     cfg,
		Clock:      (&fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}).Now,
	}
	if wrap != nil {
		deps.TicketRepo = wrap(store)
	}
	f.svc = NewTicketService(deps)
	return f
}

func defaultConfig() config.TicketConfig {
	return config.TicketConfig{MaxConflictRetries: 3, BulkConcurrency: 4, RecentAuditLimit: 50}
}

func createQuestion(t *testing.T, f *fixture) *domain.Ticket {
	t.Helper()
	ticket, err := f.svc.CreateTicket(context.Background(), student, TicketCreateInput{
		Type:        domain.TicketTypeQuestion,
		Title:       "How do I run the suite?",
		Description: "The README skips the setup step.",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return ticket
}

func walk(t *testing.T, f *fixture, id string, statuses ...domain.TicketStatus) {
	t.Helper()
	for _, status := range statuses {
		if _, err := f.svc.Transition(context.Background(), admin, id, status); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
}

func auditLog(t *testing.T, f *fixture, id string) []domain.AuditLogEntry {
	t.Helper()
	entries, err := f.svc.GetAuditLog(context.Background(), &id)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	return entries
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if !apperrors.IsCode(err, code) {
		t.Fatalf("error = %v, want code %s", err, code)
	}
}

func deniedReason(err error) assignment.Reason {
	var denied *assignment.DeniedError
	if errors.As(err, &denied) {
		return denied.Reason
	}
	return ""
}

func strPtr(s string) *string { return &s }

func TestCreateTicketValidation(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		actor domain.Actor
		input TicketCreateInput
		code  string
	}{
		{
			name:  "unknown type",
			actor: tester,
			input: TicketCreateInput{Type: "bug", Title: "t", Description: "d"},
			code:  apperrors.CodeInvalidType,
		},
		{
			name:  "missing title",
			actor: tester,
			input: TicketCreateInput{Type: domain.TicketTypeQuestion, Description: "d"},
			code:  apperrors.CodeValidation,
		},
		{
			name:  "testing without deadline",
			actor: tester,
			input: TicketCreateInput{Type: domain.TicketTypeTesting, Title: "t", Description: "d", Testing: &TestingInput{FeatureID: "f-1"}},
			code:  apperrors.CodeValidation,
		},
		{
			name:  "support without category",
			actor: tester,
			input: TicketCreateInput{Type: domain.TicketTypeSupport, Title: "t", Description: "d"},
			code:  apperrors.CodeValidation,
		},
		{
			name:  "support with unknown category",
			actor: tester,
			input: TicketCreateInput{Type: domain.TicketTypeSupport, Title: "t", Description: "d", Support: &SupportInput{Category: "billing"}},
			code:  apperrors.CodeValidation,
		},
		{
			name:  "question carrying details",
			actor: tester,
			input: TicketCreateInput{Type: domain.TicketTypeQuestion, Title: "t", Description: "d", Testing: &TestingInput{FeatureID: "f", Deadline: deadline}},
			code:  apperrors.CodeValidation,
		},
		{
			name:  "unknown priority",
			actor: tester,
			input: TicketCreateInput{Type: domain.TicketTypeQuestion, Title: "t", Description: "d", Priority: "urgent"},
			code:  apperrors.CodeValidation,
		},
		{
			name:  "anonymous actor",
			actor: domain.Actor{},
			input: TicketCreateInput{Type: domain.TicketTypeQuestion, Title: "t", Description: "d"},
			code:  apperrors.CodeUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultConfig())
			_, err := f.svc.CreateTicket(context.Background(), tt.actor, tt.input)
			wantCode(t, err, tt.code)
			if got := len(f.eventTypes()); got != 0 {
				t.Errorf("published %d events for a rejected create", got)
			}
		})
	}
}

func TestCreateTicketAttachesTypedDetails(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	deadline := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	created, err := f.svc.CreateTicket(ctx, tester, TicketCreateInput{
		Type:        domain.TicketTypeTesting,
		Title:       "  Validate login flow ",
		Description: "Run the regression pack",
		Testing:     &TestingInput{FeatureID: "feat-7", Deadline: deadline, ValidationID: strPtr("  ")},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != domain.TicketStatusOpen || created.Priority != domain.TicketPriorityMedium {
		t.Errorf("status/priority = %s/%s", created.Status, created.Priority)
	}
	if created.Title != "Validate login flow" {
		t.Errorf("title = %q", created.Title)
	}
	if created.CreatedBy != tester.ID || created.Version != 1 {
		t.Errorf("createdBy/version = %s/%d", created.CreatedBy, created.Version)
	}

	stored, err := f.svc.GetTicket(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	details, ok := stored.Testing()
	if !ok {
		t.Fatalf("details = %T", stored.Details)
	}
	if details.FeatureID != "feat-7" || !details.Deadline.Equal(deadline) || details.ValidationID != nil {
		t.Errorf("details = %+v", details)
	}
	if types := f.eventTypes(); len(types) != 1 || types[0] != events.EventTicketCreated {
		t.Errorf("events = %v", types)
	}
}

func TestCreateTimeAssignmentFollowsClaimRule(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	created, err := f.svc.CreateTicket(ctx, student, TicketCreateInput{
		Type:        domain.TicketTypeQuestion,
		Title:       "Who owns the staging cluster?",
		Description: "Need access for the demo",
		AssignedTo:  strPtr(" tester-1 "),
	})
	if err != nil {
		t.Fatalf("create with assignee: %v", err)
	}
	if created.AssignedTo == nil || *created.AssignedTo != tester.ID {
		t.Fatalf("assignedTo = %v", created.AssignedTo)
	}

	// Once held, the same student can no longer move it.
	_, err = f.svc.Assign(ctx, student, created.ID, &tester2.ID)
	if reason := deniedReason(err); reason != assignment.ReasonNotCurrentAssignee {
		t.Errorf("reason = %q (err %v)", reason, err)
	}

	unassigned, err := f.svc.CreateTicket(ctx, student, TicketCreateInput{
		Type:        domain.TicketTypeQuestion,
		Title:       "Where is the runbook?",
		Description: "Link is dead",
		AssignedTo:  strPtr("  "),
	})
	if err != nil {
		t.Fatalf("create with blank assignee: %v", err)
	}
	if unassigned.AssignedTo != nil {
		t.Errorf("blank assignee stored as %q", *unassigned.AssignedTo)
	}
}

func TestTransitionRecordsSingleStatusEntry(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	ticket := createQuestion(t, f)

	if entries := auditLog(t, f, ticket.ID); len(entries) != 0 {
		t.Fatalf("new ticket has %d audit entries", len(entries))
	}

	updated, err := f.svc.Transition(ctx, tester, ticket.ID, domain.TicketStatusInProgress)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}

	entries := auditLog(t, f, ticket.ID)
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.FieldName != domain.AuditFieldStatus || *e.OldValue != "open" || *e.NewValue != "in_progress" || e.ChangedBy != tester.ID {
		t.Errorf("entry = %+v", e)
	}
}

func TestTransitionRejections(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	ticket := createQuestion(t, f)

	tests := []struct {
		name   string
		id     string
		status domain.TicketStatus
		code   string
	}{
		{"self loop", ticket.ID, domain.TicketStatusOpen, apperrors.CodeInvalidTransition},
		{"skipping a step", ticket.ID, domain.TicketStatusResolved, apperrors.CodeInvalidTransition},
		{"unknown status", ticket.ID, "archived", apperrors.CodeInvalidTransition},
		{"missing ticket", "missing", domain.TicketStatusInProgress, apperrors.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Transition(ctx, admin, tt.id, tt.status)
			wantCode(t, err, tt.code)
		})
	}
	if entries := auditLog(t, f, ticket.ID); len(entries) != 0 {
		t.Errorf("rejected transitions wrote %d audit entries", len(entries))
	}
}

func TestReopenFromClosed(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	ticket := createQuestion(t, f)
	walk(t, f, ticket.ID, domain.TicketStatusInProgress, domain.TicketStatusResolved)

	walk(t, f, ticket.ID, domain.TicketStatusClosed, domain.TicketStatusInProgress)

	walk(t, f, ticket.ID, domain.TicketStatusResolved, domain.TicketStatusClosed)
	_, err := f.svc.Transition(ctx, admin, ticket.ID, domain.TicketStatusOpen)
	wantCode(t, err, apperrors.CodeInvalidTransition)

	got, err := f.svc.GetTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TicketStatusClosed {
		t.Errorf("status = %s, want closed", got.Status)
	}
}

func TestAssignmentRules(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	ticket := createQuestion(t, f)

	if _, err := f.svc.Assign(ctx, tester, ticket.ID, &tester.ID); err != nil {
		t.Fatalf("claim unassigned ticket: %v", err)
	}
	if _, err := f.svc.Assign(ctx, admin, ticket.ID, &tester2.ID); err != nil {
		t.Fatalf("admin reassignment: %v", err)
	}
	_, err := f.svc.Assign(ctx, tester, ticket.ID, &tester.ID)
	wantCode(t, err, apperrors.CodeAssignmentDenied)
	if reason := deniedReason(err); reason != assignment.ReasonNotCurrentAssignee {
		t.Errorf("reason = %q", reason)
	}

	got, err := f.svc.GetTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AssignedTo == nil || *got.AssignedTo != tester2.ID {
		t.Errorf("assignedTo = %v", got.AssignedTo)
	}
	if entries := auditLog(t, f, ticket.ID); len(entries) != 2 {
		t.Errorf("audit entries = %d, want 2", len(entries))
	}
}

func TestAdminCannotHandOffOwnTicket(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	ticket := createQuestion(t, f)

	if _, err := f.svc.Assign(ctx, admin, ticket.ID, &admin.ID); err != nil {
		t.Fatalf("admin claims: %v", err)
	}
	_, err := f.svc.Assign(ctx, admin, ticket.ID, &tester.ID)
	wantCode(t, err, apperrors.CodeAssignmentDenied)
	if reason := deniedReason(err); reason != assignment.ReasonNotAdmin {
		t.Errorf("reason = %q", reason)
	}

	got, err := f.svc.GetTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AssignedTo == nil || *got.AssignedTo != admin.ID {
		t.Errorf("assignedTo = %v, want %s", got.AssignedTo, admin.ID)
	}
	if entries := auditLog(t, f, ticket.ID); len(entries) != 1 {
		t.Errorf("audit entries = %d, want 1", len(entries))
	}
}

func TestAssignSameAssigneeWritesNothing(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	ticket := createQuestion(t, f)

	first, err := f.svc.Assign(ctx, tester, ticket.ID, &tester.ID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	second, err := f.svc.Assign(ctx, tester, ticket.ID, &tester.ID)
	if err != nil {
		t.Fatalf("repeat assign: %v", err)
	}
	if second.Version != first.Version {
		t.Errorf("version moved from %d to %d on a no-op", first.Version, second.Version)
	}
	if entries := auditLog(t, f, ticket.ID); len(entries) != 1 {
		t.Errorf("audit entries = %d, want 1", len(entries))
	}
}

func TestUnassignRequiresAdminOrAssignee(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	ticket := createQuestion(t, f)
	if _, err := f.svc.Assign(ctx, tester, ticket.ID, &tester.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}

	_, err := f.svc.Assign(ctx, student, ticket.ID, nil)
	if reason := deniedReason(err); reason != assignment.ReasonNotCurrentAssignee {
		t.Fatalf("student unassign: reason = %q (err %v)", reason, err)
	}
	got, err := f.svc.Assign(ctx, tester, ticket.ID, strPtr(""))
	if err != nil {
		t.Fatalf("assignee unassign: %v", err)
	}
	if got.AssignedTo != nil {
		t.Errorf("assignedTo = %v, want nil", *got.AssignedTo)
	}
}

func TestClosedTicketAssignment(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	ticket := createQuestion(t, f)
	walk(t, f, ticket.ID, domain.TicketStatusInProgress, domain.TicketStatusResolved, domain.TicketStatusClosed)
	before := len(auditLog(t, f, ticket.ID))

	_, err := f.svc.Assign(ctx, admin, ticket.ID, &tester.ID)
	if reason := deniedReason(err); reason != assignment.ReasonTicketClosed {
		t.Fatalf("reason = %q (err %v)", reason, err)
	}

	_, err = f.svc.AssignWithTransition(ctx, admin, ticket.ID, domain.TicketStatusOpen, &tester.ID)
	wantCode(t, err, apperrors.CodeInvalidTransition)

	reopened, err := f.svc.AssignWithTransition(ctx, admin, ticket.ID, domain.TicketStatusInProgress, &tester.ID)
	if err != nil {
		t.Fatalf("reopen with assignment: %v", err)
	}
	if reopened.Status != domain.TicketStatusInProgress || reopened.AssignedTo == nil || *reopened.AssignedTo != tester.ID {
		t.Errorf("ticket = %+v", reopened)
	}
	entries := auditLog(t, f, ticket.ID)
	if len(entries)-before != 2 {
		t.Fatalf("reopen wrote %d audit entries, want 2", len(entries)-before)
	}
	fields := map[domain.AuditField]bool{entries[0].FieldName: true, entries[1].FieldName: true}
	if !fields[domain.AuditFieldStatus] || !fields[domain.AuditFieldAssignedTo] {
		t.Errorf("fields = %v", fields)
	}
}

func TestUpdateFieldsAuditsPriorityOnly(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	ticket := createQuestion(t, f)

	if _, err := f.svc.UpdateFields(ctx, tester, ticket.ID, TicketFieldsPatch{Title: strPtr("Suite setup")}); err != nil {
		t.Fatalf("title update: %v", err)
	}
	if entries := auditLog(t, f, ticket.ID); len(entries) != 0 {
		t.Fatalf("title edit audited: %+v", entries)
	}

	high := domain.TicketPriorityHigh
	updated, err := f.svc.UpdateFields(ctx, tester, ticket.ID, TicketFieldsPatch{Priority: &high})
	if err != nil {
		t.Fatalf("priority update: %v", err)
	}
	if updated.Title != "Suite setup" || updated.Priority != high {
		t.Errorf("ticket = %+v", updated)
	}
	entries := auditLog(t, f, ticket.ID)
	if len(entries) != 1 || entries[0].FieldName != domain.AuditFieldPriority || *entries[0].OldValue != "medium" {
		t.Errorf("entries = %+v", entries)
	}

	_, err = f.svc.UpdateFields(ctx, tester, ticket.ID, TicketFieldsPatch{Title: strPtr("   ")})
	wantCode(t, err, apperrors.CodeValidation)

	want := []events.EventType{events.EventTicketCreated, events.EventTicketUpdated, events.EventTicketPriorityChanged}
	got := f.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestUpdateDetails(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	support, err := f.svc.CreateTicket(ctx, student, TicketCreateInput{
		Type:        domain.TicketTypeSupport,
		Title:       "Cannot deploy",
		Description: "Pipeline fails on step 3",
		Support:     &SupportInput{Category: domain.SupportCategoryProject},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := f.svc.UpdateDetails(ctx, admin, support.ID, DetailsPatch{ResolutionNotes: strPtr("Rotated the deploy key")})
	if err != nil {
		t.Fatalf("update details: %v", err)
	}
	details, ok := updated.Support()
	if !ok || details.ResolutionNotes == nil || *details.ResolutionNotes != "Rotated the deploy key" {
		t.Errorf("details = %+v", updated.Details)
	}
	if entries := auditLog(t, f, support.ID); len(entries) != 0 {
		t.Errorf("detail edit audited: %+v", entries)
	}

	deadline := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	_, err = f.svc.UpdateDetails(ctx, admin, support.ID, DetailsPatch{Deadline: &deadline})
	wantCode(t, err, apperrors.CodeValidation)

	question := createQuestion(t, f)
	_, err = f.svc.UpdateDetails(ctx, admin, question.ID, DetailsPatch{FeatureID: strPtr("f-1")})
	wantCode(t, err, apperrors.CodeValidation)
}

func TestUpdateTestingDetails(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	deadline := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	created, err := f.svc.CreateTicket(ctx, tester, TicketCreateInput{
		Type:        domain.TicketTypeTesting,
		Title:       "Validate checkout",
		Description: "Regression pack for the new cart",
		Testing:     &TestingInput{FeatureID: "feat-1", Deadline: deadline},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	moved := deadline.Add(48 * time.Hour)
	updated, err := f.svc.UpdateDetails(ctx, admin, created.ID, DetailsPatch{Deadline: &moved, ValidationID: strPtr("val-9")})
	if err != nil {
		t.Fatalf("update details: %v", err)
	}
	if updated.Version != created.Version+1 {
		t.Errorf("version = %d, want %d", updated.Version, created.Version+1)
	}
	details, ok := updated.Testing()
	if !ok || !details.Deadline.Equal(moved) || details.ValidationID == nil || *details.ValidationID != "val-9" {
		t.Errorf("details = %+v", updated.Details)
	}

	_, err = f.svc.UpdateDetails(ctx, admin, created.ID, DetailsPatch{FeatureID: strPtr("feat-2")})
	wantCode(t, err, apperrors.CodeValidation)

	stored, err := f.store.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	details, _ = stored.Testing()
	if details.FeatureID != "feat-1" || stored.Version != updated.Version {
		t.Errorf("stored = %+v version %d", details, stored.Version)
	}
}

func TestBulkUpdatePartialFailure(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	ticket := createQuestion(t, f)

	high := domain.TicketPriorityHigh
	result := f.svc.BulkUpdate(ctx, admin, []string{ticket.ID, "missing"}, BulkPatch{Priority: &high})

	if len(result.Succeeded) != 1 || result.Succeeded[0] != ticket.ID {
		t.Errorf("succeeded = %v", result.Succeeded)
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != "missing" || result.Failed[0].Code != apperrors.CodeNotFound {
		t.Errorf("failed = %+v", result.Failed)
	}

	got, err := f.svc.GetTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Priority != high {
		t.Errorf("priority = %s", got.Priority)
	}
	entries := auditLog(t, f, ticket.ID)
	if len(entries) != 1 || entries[0].FieldName != domain.AuditFieldPriority {
		t.Errorf("entries = %+v", entries)
	}
}

func TestBulkUpdateTransitionsIndependently(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		ticket := createQuestion(t, f)
		if i%2 == 0 {
			walk(t, f, ticket.ID, domain.TicketStatusInProgress)
		}
		ids = append(ids, ticket.ID)
	}
	ids = append(ids, ids[0])

	resolved := domain.TicketStatusResolved
	result := f.svc.BulkUpdate(ctx, admin, ids, BulkPatch{Status: &resolved})

	if len(result.Succeeded) != 3 || len(result.Failed) != 3 {
		t.Fatalf("result = %+v", result)
	}
	for i, id := range result.Succeeded {
		if id != ids[i*2] {
			t.Errorf("succeeded[%d] = %s, want %s", i, id, ids[i*2])
		}
	}
	for _, failure := range result.Failed {
		if failure.Code != apperrors.CodeInvalidTransition {
			t.Errorf("failure = %+v", failure)
		}
	}
	if entries := auditLog(t, f, ids[0]); len(entries) != 2 {
		t.Errorf("duplicate id processed twice: %d entries", len(entries))
	}
}

func TestBulkUpdateRejectsEmptyPatch(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ticket := createQuestion(t, f)

	result := f.svc.BulkUpdate(context.Background(), admin, []string{ticket.ID}, BulkPatch{})
	if len(result.Succeeded) != 0 || len(result.Failed) != 1 || result.Failed[0].Code != apperrors.CodeValidation {
		t.Errorf("result = %+v", result)
	}
}

func TestMutationRetriesAfterConflict(t *testing.T) {
	racing := &racingStore{bumps: 2}
	f := newFixtureWithStore(t, defaultConfig(), racing.wrap)
	ticket := createQuestion(t, f)

	updated, err := f.svc.Transition(context.Background(), tester, ticket.ID, domain.TicketStatusInProgress)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if racing.attempts != 3 {
		t.Errorf("attempts = %d, want 3", racing.attempts)
	}
	// two competing writes, then ours
	if updated.Version != 4 {
		t.Errorf("version = %d, want 4", updated.Version)
	}
	if entries := auditLog(t, f, ticket.ID); len(entries) != 1 {
		t.Errorf("audit entries = %d, want 1", len(entries))
	}
	if got := f.metrics.Snapshot().Conflicts["transition"]; got != 2 {
		t.Errorf("conflicts = %d, want 2", got)
	}
}

func TestMutationGivesUpAfterMaxRetries(t *testing.T) {
	racing := &racingStore{bumps: 100}
	cfg := defaultConfig()
	cfg.MaxConflictRetries = 2
	f := newFixtureWithStore(t, cfg, racing.wrap)
	ticket := createQuestion(t, f)

	_, err := f.svc.Transition(context.Background(), tester, ticket.ID, domain.TicketStatusInProgress)
	wantCode(t, err, apperrors.CodeConflict)
	if racing.attempts != 3 {
		t.Errorf("attempts = %d, want 3", racing.attempts)
	}
	if entries := auditLog(t, f, ticket.ID); len(entries) != 0 {
		t.Errorf("lost update wrote %d audit entries", len(entries))
	}
}

func TestGetAuditLog(t *testing.T) {
	cfg := defaultConfig()
	cfg.RecentAuditLimit = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	ticket := createQuestion(t, f)
	walk(t, f, ticket.ID, domain.TicketStatusInProgress, domain.TicketStatusResolved, domain.TicketStatusClosed)

	recent, err := f.svc.GetAuditLog(ctx, nil)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent entries = %d, want 2", len(recent))
	}
	if recent[0].Seq <= recent[1].Seq || *recent[0].NewValue != "closed" {
		t.Errorf("recent not newest first: %+v", recent)
	}

	full := auditLog(t, f, ticket.ID)
	if len(full) != 3 {
		t.Errorf("full history = %d entries", len(full))
	}

	missing := "missing"
	_, err = f.svc.GetAuditLog(ctx, &missing)
	wantCode(t, err, apperrors.CodeNotFound)
}

func TestAuditCountMatchesFieldChanges(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	ticket := createQuestion(t, f)
	high, low := domain.TicketPriorityHigh, domain.TicketPriorityLow

	steps := []struct {
		run     func() error
		changes int
	}{
		{func() error { _, err := f.svc.Assign(ctx, tester, ticket.ID, &tester.ID); return err }, 1},
		{func() error { _, err := f.svc.Assign(ctx, tester, ticket.ID, &tester.ID); return err }, 0},
		{func() error { _, err := f.svc.Transition(ctx, tester, ticket.ID, domain.TicketStatusInProgress); return err }, 1},
		{func() error {
			_, err := f.svc.UpdateFields(ctx, tester, ticket.ID, TicketFieldsPatch{Priority: &high, Title: strPtr("new")})
			return err
		}, 1},
		{func() error { _, err := f.svc.UpdateFields(ctx, tester, ticket.ID, TicketFieldsPatch{Priority: &high}); return err }, 0},
		{func() error { f.svc.BulkUpdate(ctx, admin, []string{ticket.ID}, BulkPatch{Priority: &low}); return nil }, 1},
		{func() error { _, err := f.svc.Transition(ctx, tester, ticket.ID, domain.TicketStatusClosed); return err }, 0},
	}

	want := 0
	for i, step := range steps {
		_ = step.run()
		want += step.changes
		if got := len(auditLog(t, f, ticket.ID)); got != want {
			t.Fatalf("after step %d: %d audit entries, want %d", i, got, want)
		}
	}
}

func TestGetTicketCachesAndMutationsWriteThrough(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	ticket := createQuestion(t, f)

	if _, err := f.svc.GetTicket(ctx, ticket.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok, _ := f.cache.Get(ctx, ticket.ID); !ok {
		t.Fatal("ticket not cached after read")
	}

	updated, err := f.svc.Transition(ctx, tester, ticket.ID, domain.TicketStatusInProgress)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	cached, ok, _ := f.cache.Get(ctx, ticket.ID)
	if !ok || cached.Status != domain.TicketStatusInProgress || cached.Version != updated.Version {
		t.Errorf("cached = %+v", cached)
	}
	got, err := f.svc.GetTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TicketStatusInProgress {
		t.Errorf("status = %s", got.Status)
	}
}

func TestSlowReadDoesNotCacheStaleSnapshot(t *testing.T) {
	hooked := &hookStore{}
	f := newFixtureWithStore(t, defaultConfig(), func(store *memory.Store) repository.TicketRepository {
		hooked.Store = store
		return hooked
	})
	ctx := context.Background()
	ticket := createQuestion(t, f)

	// A mutation commits between the reader's store fetch and its cache fill.
	hooked.mu.Lock()
	hooked.afterRead = func() {
		if _, err := f.svc.Transition(ctx, tester, ticket.ID, domain.TicketStatusInProgress); err != nil {
			t.Errorf("concurrent transition: %v", err)
		}
	}
	hooked.mu.Unlock()

	first, err := f.svc.GetTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.Status != domain.TicketStatusOpen {
		t.Fatalf("first read status = %s, want the pre-mutation snapshot", first.Status)
	}

	second, err := f.svc.GetTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	stored, err := f.store.GetByID(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if second.Status != stored.Status || second.Version != stored.Version {
		t.Errorf("cached status=%s v%d, store status=%s v%d", second.Status, second.Version, stored.Status, stored.Version)
	}
}

func TestListAndSummary(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		createQuestion(t, f)
	}
	first := createQuestion(t, f)
	walk(t, f, first.ID, domain.TicketStatusInProgress)

	open := domain.TicketStatusOpen
	tickets, err := f.svc.ListTickets(ctx, TicketListFilter{Status: &open, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tickets) != 2 {
		t.Fatalf("listed %d tickets, want 2", len(tickets))
	}
	if tickets[0].CreatedAt.Before(tickets[1].CreatedAt) {
		t.Error("list not newest first")
	}

	summary, err := f.svc.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Total != 4 || summary.ByStatus[domain.TicketStatusOpen] != 3 || summary.ByType[domain.TicketTypeQuestion] != 4 {
		t.Errorf("summary = %+v", summary)
	}
}
